package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Dashboard string

const (
	DashboardDeviceData  Dashboard = "DeviceData"
	DashboardRoomControl Dashboard = "RoomControl"
	DashboardCamera      Dashboard = "Camera"
	DashboardPowerSupply Dashboard = "PowerSupply"
	DashboardWeather     Dashboard = "Weather"
)

type EventType string

const (
	EventDeviceStatus   EventType = "DeviceStatus"
	EventSensorUpdate   EventType = "SensorUpdate"
	EventScheduleChange EventType = "ScheduleChange"
	EventMotionDetected EventType = "MotionDetected"
	EventPowerMetric    EventType = "PowerMetric"
	EventWeatherUpdate  EventType = "WeatherUpdate"
)

// EventTypes lists every notification event type in display order.
var EventTypes = []EventType{
	EventDeviceStatus,
	EventSensorUpdate,
	EventScheduleChange,
	EventMotionDetected,
	EventPowerMetric,
	EventWeatherUpdate,
}

func (t EventType) Valid() bool {
	for _, v := range EventTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Device is one physical controller. The UI calls it a room.
type Device struct {
	DeviceID  string    `json:"device_id" gorm:"primaryKey;size:128;index:idx_rh_devices_secret,priority:1"`
	UserID    string    `json:"user_id" gorm:"size:128;not null;index:idx_rh_devices_user_name,unique;index:idx_rh_devices_user_ip,unique"`
	Name      string    `json:"name" gorm:"size:128;not null;index:idx_rh_devices_user_name,unique"`
	IP        *string   `json:"ip,omitempty" gorm:"size:64;index:idx_rh_devices_user_ip,unique"`
	ImageURL  string    `json:"image_url"`
	Secret    string    `json:"-" gorm:"size:64;not null;index:idx_rh_devices_secret,priority:2"`
	Relays    []Relay   `json:"relays" gorm:"foreignKey:DeviceID;references:DeviceID"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Device) TableName() string { return "rh_devices" }

type Relay struct {
	DeviceID  string    `json:"device_id" gorm:"primaryKey;size:128"`
	Index     int       `json:"relay" gorm:"column:relay_index;primaryKey;autoIncrement:false"`
	Type      string    `json:"type" gorm:"size:64;not null"`
	ImageURL  string    `json:"image_url"`
	IsOn      bool      `json:"is_on" gorm:"not null"`
	Version   int64     `json:"version" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Relay) TableName() string { return "rh_relays" }

type Schedule struct {
	ID         uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	UserID     string     `json:"user_id" gorm:"size:128;not null;index:idx_rh_schedules_target,unique"`
	DeviceID   string     `json:"device_id" gorm:"size:128;not null;index:idx_rh_schedules_target,unique"`
	RelayIndex int        `json:"relay" gorm:"not null;index:idx_rh_schedules_target,unique"`
	OnTime     *time.Time `json:"on_time"`
	OffTime    *time.Time `json:"off_time"`
	Recurring  bool       `json:"recurring" gorm:"not null"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (Schedule) TableName() string { return "rh_schedules" }

type SensorSample struct {
	ID          uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	DeviceID    string    `json:"device_id" gorm:"size:128;not null;index:idx_rh_sensor_device_ts,priority:1"`
	UserID      string    `json:"user_id" gorm:"size:128;not null;index"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	CreatedAt   time.Time `json:"created_at" gorm:"index:idx_rh_sensor_device_ts,priority:2;index"`
}

func (SensorSample) TableName() string { return "rh_sensor_samples" }

type PowerSample struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	DeviceID  string    `json:"device_id" gorm:"size:128;not null;index:idx_rh_power_device_ts,priority:1"`
	UserID    string    `json:"user_id" gorm:"size:128;not null"`
	Voltage   float64   `json:"voltage"`
	Current   float64   `json:"current"`
	Power     float64   `json:"power"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_rh_power_device_ts,priority:2;index"`
}

func (PowerSample) TableName() string { return "rh_power_samples" }

type Camera struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	UserID    string    `json:"user_id" gorm:"size:128;not null;index"`
	Name      string    `json:"name" gorm:"size:128;not null;uniqueIndex"`
	IP        string    `json:"ip" gorm:"size:64"`
	CreatedAt time.Time `json:"created_at"`
}

func (Camera) TableName() string { return "rh_cameras" }

type Notification struct {
	ID          uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	UserID      string         `json:"user_id" gorm:"size:128;not null;index:idx_rh_notifications_user_ts,priority:1"`
	Dashboard   Dashboard      `json:"dashboard" gorm:"size:32;not null;index"`
	EventType   EventType      `json:"event_type" gorm:"size:32;not null;index"`
	Description string         `json:"description" gorm:"not null"`
	DeviceID    string         `json:"device_id,omitempty" gorm:"size:128"`
	Metadata    datatypes.JSON `json:"metadata,omitempty" gorm:"type:jsonb"`
	IsRead      bool           `json:"is_read" gorm:"not null"`
	CreatedAt   time.Time      `json:"created_at" gorm:"index:idx_rh_notifications_user_ts,priority:2"`
}

func (Notification) TableName() string { return "rh_notifications" }

type NotificationPreference struct {
	UserID             string                        `json:"user_id" gorm:"primaryKey;size:128"`
	DisabledEventTypes datatypes.JSONSlice[EventType] `json:"disabled_event_types"`
	UpdatedAt          time.Time                     `json:"updated_at"`
}

func (NotificationPreference) TableName() string { return "rh_notification_preferences" }
