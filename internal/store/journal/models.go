package journal

import (
	"gorm.io/datatypes"
)

// EvaluationModel 记录一次评估周期，无论是否产生信号。
type EvaluationModel struct {
	ID            int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Symbol        string         `gorm:"column:symbol;index:idx_eval_symbol_time" json:"symbol"`
	Side          string         `gorm:"column:side" json:"side"`
	SignalID      string         `gorm:"column:signal_id;index" json:"signal_id"`
	OverallScore  float64        `gorm:"column:overall_score" json:"overall_score"`
	Reliability   float64        `gorm:"column:reliability" json:"reliability"`
	MissingWeight float64        `gorm:"column:missing_weight" json:"missing_weight"`
	Components    datatypes.JSON `gorm:"column:components;type:TEXT" json:"components"`
	Impacts       datatypes.JSON `gorm:"column:impacts;type:TEXT" json:"impacts"`
	Missing       datatypes.JSON `gorm:"column:missing;type:TEXT" json:"missing"`
	Emitted       bool           `gorm:"column:emitted" json:"emitted"`
	Demoted       bool           `gorm:"column:demoted" json:"demoted"`
	Price         float64        `gorm:"column:price" json:"price"`
	Error         string         `gorm:"column:error" json:"error"`
	StartedAt     int64          `gorm:"column:started_at;index:idx_eval_symbol_time" json:"started_at"`
	DurationMs    int64          `gorm:"column:duration_ms" json:"duration_ms"`
}

func (EvaluationModel) TableName() string { return "evaluations" }

// EventModel 记录编排器事件，含下单决策和执行结果。
type EventModel struct {
	ID            int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Kind          string         `gorm:"column:kind;index" json:"kind"`
	Symbol        string         `gorm:"column:symbol;index" json:"symbol"`
	SignalID      string         `gorm:"column:signal_id;index" json:"signal_id"`
	Detail        string         `gorm:"column:detail" json:"detail"`
	Error         string         `gorm:"column:error" json:"error"`
	ClientOrderID string         `gorm:"column:client_order_id" json:"client_order_id"`
	Decision      datatypes.JSON `gorm:"column:decision;type:TEXT" json:"decision"`
	Result        datatypes.JSON `gorm:"column:result;type:TEXT" json:"result"`
	At            int64          `gorm:"column:at;index" json:"at"`
}

func (EventModel) TableName() string { return "events" }
