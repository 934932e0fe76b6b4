package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// PriceRow is a full catalog row as imported. Only ProductName and
// AveragePrice are required.
type PriceRow struct {
	ProductName   string    `json:"nombre_generico"`
	AveragePrice  float64   `json:"precio_promedio"`
	Unit          string    `json:"unidad"`
	Division      string    `json:"division"`
	Group         string    `json:"grupo"`
	Class         string    `json:"clase"`
	Subclass      string    `json:"subclase"`
	GenericCode   string    `json:"codigo_generico,omitempty"`
	Specification string    `json:"especificacion,omitempty"`
	Quantity      *float64  `json:"cantidad,omitempty"`
	CityCode      string    `json:"codigo_ciudad,omitempty"`
	CityName      string    `json:"nombre_ciudad,omitempty"`
	PublishedOn   string    `json:"fecha_publicacion,omitempty"` // YYYY-MM-DD
	Year          *int      `json:"anio,omitempty"`
	Month         *int      `json:"mes,omitempty"`
	Status        string    `json:"estatus,omitempty"`
	UpdatedAt     time.Time `json:"-"`
}

// CityAverage is the mean price of one product in one city over a date range.
type CityAverage struct {
	CityName     string  `json:"nombre_ciudad"`
	AveragePrice float64 `json:"precio_promedio"`
	Samples      int     `json:"muestras"`
}

// Conversation maps a phone number to its engine thread.
type Conversation struct {
	PhoneNumber string
	ThreadID    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Message is one persisted chat turn.
type Message struct {
	ID        string
	ThreadID  string
	Role      string // "user" or "assistant"
	Content   string
	CreatedAt time.Time
}

// LogEntry is one row of system_logs.
type LogEntry struct {
	ID        string
	Type      string // "error", "info", "sql", "agent"
	Source    string
	Message   string
	Details   string // JSON object stored as text
	CreatedAt time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // one of the Job* states
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
