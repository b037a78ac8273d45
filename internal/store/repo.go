package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/errs"
)

type Repo struct {
	db  *gorm.DB
	now func() time.Time
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         NewLogger(os.Stdout),
	})
}

// NewLogger reports slow queries and failures. Record-not-found misses are
// routine lookups and stay silent.
func NewLogger(w io.Writer) logger.Interface {
	return logger.New(
		log.New(w, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(
		&Device{},
		&Relay{},
		&Schedule{},
		&SensorSample{},
		&PowerSample{},
		&Camera{},
		&Notification{},
		&NotificationPreference{},
	); err != nil {
		return nil, err
	}
	return &Repo{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func conflictOr(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return errs.Conflict(format, args...)
	}
	return err
}

// --- Devices ---

func (r *Repo) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	var d Device
	err := r.db.WithContext(ctx).
		Preload("Relays", func(db *gorm.DB) *gorm.DB { return db.Order("relay_index asc") }).
		First(&d, "device_id = ?", deviceID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

func (r *Repo) ListDevices(ctx context.Context, userID string) ([]Device, error) {
	var rows []Device
	err := r.db.WithContext(ctx).
		Preload("Relays", func(db *gorm.DB) *gorm.DB { return db.Order("relay_index asc") }).
		Where("user_id = ?", userID).
		Order("name asc").
		Find(&rows).Error
	return rows, err
}

// Owners returns every user that owns at least one device.
func (r *Repo) Owners(ctx context.Context) ([]string, error) {
	var users []string
	err := r.db.WithContext(ctx).Model(&Device{}).Distinct().Order("user_id asc").Pluck("user_id", &users).Error
	return users, err
}

func deviceClash(tx *gorm.DB, d *Device, exclude string) error {
	var n int64
	q := tx.Model(&Device{}).Where("user_id = ? AND name = ?", d.UserID, d.Name)
	if exclude != "" {
		q = q.Where("device_id <> ?", exclude)
	}
	if err := q.Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return errs.Conflict("a device named %q already exists", d.Name)
	}
	if d.IP == nil {
		return nil
	}
	q = tx.Model(&Device{}).Where("user_id = ? AND ip = ?", d.UserID, *d.IP)
	if exclude != "" {
		q = q.Where("device_id <> ?", exclude)
	}
	if err := q.Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return errs.Conflict("ip %s is already associated with another device", *d.IP)
	}
	return nil
}

func (r *Repo) CreateDevice(ctx context.Context, d *Device) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&Device{}).Where("device_id = ?", d.DeviceID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return errs.Conflict("device %q is already registered", d.DeviceID)
		}
		if err := deviceClash(tx, d, ""); err != nil {
			return err
		}
		relays := d.Relays
		d.Relays = nil
		if err := tx.Omit(clause.Associations).Create(d).Error; err != nil {
			return err
		}
		for i := range relays {
			relays[i].DeviceID = d.DeviceID
			if err := tx.Create(&relays[i]).Error; err != nil {
				return err
			}
		}
		d.Relays = relays
		return nil
	})
	return conflictOr(err, "device %q clashes with an existing device", d.DeviceID)
}

// UpdateDevice saves name, ip and image of an existing device.
func (r *Repo) UpdateDevice(ctx context.Context, d *Device) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deviceClash(tx, d, d.DeviceID); err != nil {
			return err
		}
		res := tx.Model(&Device{}).Where("device_id = ?", d.DeviceID).Updates(map[string]any{
			"name":       d.Name,
			"ip":         d.IP,
			"image_url":  d.ImageURL,
			"updated_at": r.now(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errs.NotFound("device %q not found", d.DeviceID)
		}
		return nil
	})
	return conflictOr(err, "device %q clashes with an existing device", d.DeviceID)
}

// DeleteDevice removes the device with its relays, schedules and samples.
func (r *Repo) DeleteDevice(ctx context.Context, deviceID string) (bool, error) {
	var deleted bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ?", deviceID).Delete(&SensorSample{}).Error; err != nil {
			return err
		}
		if err := tx.Where("device_id = ?", deviceID).Delete(&PowerSample{}).Error; err != nil {
			return err
		}
		if err := tx.Where("device_id = ?", deviceID).Delete(&Schedule{}).Error; err != nil {
			return err
		}
		if err := tx.Where("device_id = ?", deviceID).Delete(&Relay{}).Error; err != nil {
			return err
		}
		res := tx.Where("device_id = ?", deviceID).Delete(&Device{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	return deleted, err
}

// --- Relays ---

func (r *Repo) GetRelay(ctx context.Context, deviceID string, index int) (*Relay, error) {
	var rl Relay
	err := r.db.WithContext(ctx).First(&rl, "device_id = ? AND relay_index = ?", deviceID, index).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rl, nil
}

func (r *Repo) CreateRelay(ctx context.Context, rl *Relay) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&Device{}).Where("device_id = ?", rl.DeviceID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return errs.NotFound("device %q not found", rl.DeviceID)
		}
		if err := tx.Model(&Relay{}).Where("device_id = ? AND relay_index = ?", rl.DeviceID, rl.Index).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return errs.Conflict("relay %d already exists on device %q", rl.Index, rl.DeviceID)
		}
		return tx.Create(rl).Error
	})
	return conflictOr(err, "relay %d already exists on device %q", rl.Index, rl.DeviceID)
}

// UpdateRelayMeta changes display fields only; index and state are untouched.
func (r *Repo) UpdateRelayMeta(ctx context.Context, deviceID string, index int, typ, imageURL string) (*Relay, error) {
	res := r.db.WithContext(ctx).Model(&Relay{}).
		Where("device_id = ? AND relay_index = ?", deviceID, index).
		Updates(map[string]any{"type": typ, "image_url": imageURL, "updated_at": r.now()})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return r.GetRelay(ctx, deviceID, index)
}

// DeleteRelay removes the relay and every schedule targeting it.
func (r *Repo) DeleteRelay(ctx context.Context, deviceID string, index int) (bool, error) {
	var deleted bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ? AND relay_index = ?", deviceID, index).Delete(&Schedule{}).Error; err != nil {
			return err
		}
		res := tx.Where("device_id = ? AND relay_index = ?", deviceID, index).Delete(&Relay{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	return deleted, err
}

// SetRelayState writes on only if it differs from the stored state, so a
// concurrent writer can never be clobbered by a stale read. changed reports
// whether a row was updated.
func (r *Repo) SetRelayState(ctx context.Context, deviceID string, index int, on bool) (changed bool, err error) {
	res := r.db.WithContext(ctx).Model(&Relay{}).
		Where("device_id = ? AND relay_index = ? AND is_on <> ?", deviceID, index, on).
		Updates(map[string]any{
			"is_on":      on,
			"version":    gorm.Expr("version + 1"),
			"updated_at": r.now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// --- Schedules ---

func (r *Repo) ListSchedules(ctx context.Context) ([]Schedule, error) {
	var rows []Schedule
	err := r.db.WithContext(ctx).Order("created_at asc, id asc").Find(&rows).Error
	return rows, err
}

func (r *Repo) ListSchedulesForUser(ctx context.Context, userID string) ([]Schedule, error) {
	var rows []Schedule
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("device_id asc, relay_index asc").Find(&rows).Error
	return rows, err
}

func (r *Repo) GetSchedule(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	var s Schedule
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// UpsertSchedule keeps at most one rule per (user, device, relay): an existing
// rule for the tuple is replaced in place and keeps its id.
func (r *Repo) UpsertSchedule(ctx context.Context, s *Schedule) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Schedule
		err := tx.Where("user_id = ? AND device_id = ? AND relay_index = ?", s.UserID, s.DeviceID, s.RelayIndex).First(&existing).Error
		switch {
		case err == nil:
			s.ID = existing.ID
			s.CreatedAt = existing.CreatedAt
			return tx.Model(&Schedule{}).Where("id = ?", existing.ID).Updates(map[string]any{
				"on_time":    s.OnTime,
				"off_time":   s.OffTime,
				"recurring":  s.Recurring,
				"updated_at": r.now(),
			}).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			if s.ID == uuid.Nil {
				s.ID = uuid.New()
			}
			return tx.Create(s).Error
		default:
			return err
		}
	})
}

func (r *Repo) SaveScheduleTimes(ctx context.Context, id uuid.UUID, on, off *time.Time) error {
	return r.db.WithContext(ctx).Model(&Schedule{}).Where("id = ?", id).Updates(map[string]any{
		"on_time":    on,
		"off_time":   off,
		"updated_at": r.now(),
	}).Error
}

func (r *Repo) DeleteSchedule(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&Schedule{})
	return res.RowsAffected > 0, res.Error
}

func (r *Repo) DeleteScheduleForUser(ctx context.Context, userID string, id uuid.UUID) (*Schedule, error) {
	var s Schedule
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&s, "id = ? AND user_id = ?", id, userID).Error; err != nil {
			return err
		}
		return tx.Delete(&Schedule{}, "id = ?", id).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// --- Samples ---

func (r *Repo) InsertSensorSample(ctx context.Context, s *SensorSample) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = r.now()
	}
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) LatestSensorSample(ctx context.Context, deviceID string) (*SensorSample, error) {
	var s SensorSample
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("created_at desc").First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (r *Repo) InsertPowerSample(ctx context.Context, p *PowerSample) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = r.now()
	}
	p.Power = p.Voltage * p.Current
	return r.db.WithContext(ctx).Create(p).Error
}

// DeleteSamplesBefore purges sensor and power samples captured before cutoff.
func (r *Repo) DeleteSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("created_at < ?", cutoff).Delete(&SensorSample{})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected
		res = tx.Where("created_at < ?", cutoff).Delete(&PowerSample{})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected
		return nil
	})
	return total, err
}

// --- Cameras ---

func (r *Repo) CreateCamera(ctx context.Context, c *Camera) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Name = strings.TrimSpace(c.Name)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&Camera{}).Where("name = ?", c.Name).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return errs.Conflict("camera %q already exists", c.Name)
		}
		return tx.Create(c).Error
	})
	return conflictOr(err, "camera %q already exists", c.Name)
}

func (r *Repo) ListCameras(ctx context.Context, userID string) ([]Camera, error) {
	var rows []Camera
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("name asc").Find(&rows).Error
	return rows, err
}

func (r *Repo) CameraByName(ctx context.Context, name string) (*Camera, error) {
	var c Camera
	if err := r.db.WithContext(ctx).First(&c, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (r *Repo) DeleteCamera(ctx context.Context, userID string, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&Camera{})
	return res.RowsAffected > 0, res.Error
}

// --- Notifications ---

func (r *Repo) CreateNotification(ctx context.Context, n *Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = r.now()
	}
	return r.db.WithContext(ctx).Create(n).Error
}

func (r *Repo) ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []Notification
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc, id desc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *Repo) MarkNotificationRead(ctx context.Context, userID string, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Notification{}).Where("id = ? AND user_id = ?", id, userID).Update("is_read", true)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	// Already read rows report zero affected on some drivers.
	var n int64
	err := r.db.WithContext(ctx).Model(&Notification{}).Where("id = ? AND user_id = ?", id, userID).Count(&n).Error
	return n > 0, err
}

// TrimNotifications keeps the keep most recent notifications of userID.
func (r *Repo) TrimNotifications(ctx context.Context, userID string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	var rows []Notification
	if err := r.db.WithContext(ctx).
		Select("id", "created_at").
		Where("user_id = ?", userID).
		Find(&rows).Error; err != nil {
		return 0, err
	}
	if len(rows) <= keep {
		return 0, nil
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.After(rows[j].CreatedAt)
		}
		return rows[i].ID.String() > rows[j].ID.String()
	})
	stale := make([]uuid.UUID, 0, len(rows)-keep)
	for _, n := range rows[keep:] {
		stale = append(stale, n.ID)
	}
	res := r.db.WithContext(ctx).Where("id IN ?", stale).Delete(&Notification{})
	return res.RowsAffected, res.Error
}

// NotifiedUsers lists users with at least one stored notification.
func (r *Repo) NotifiedUsers(ctx context.Context) ([]string, error) {
	var users []string
	err := r.db.WithContext(ctx).Model(&Notification{}).Distinct().Pluck("user_id", &users).Error
	return users, err
}

func (r *Repo) DisabledEventTypes(ctx context.Context, userID string) ([]EventType, error) {
	var p NotificationPreference
	if err := r.db.WithContext(ctx).First(&p, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return p.DisabledEventTypes, nil
}

func (r *Repo) SetDisabledEventTypes(ctx context.Context, userID string, types []EventType) error {
	p := NotificationPreference{UserID: userID, DisabledEventTypes: types, UpdatedAt: r.now()}
	if p.DisabledEventTypes == nil {
		p.DisabledEventTypes = []EventType{}
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"disabled_event_types", "updated_at"}),
	}).Create(&p).Error
}
