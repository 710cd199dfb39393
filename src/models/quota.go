package models

// QuotaCounter tracks slots consumed per (category, lot) against a fixed
// capacity. Reserve/release run as guarded single-statement updates so the
// invariant used <= capacity holds under concurrent writers.
type QuotaCounter struct {
	Category string `gorm:"primarykey" json:"category"`
	Lot      int    `gorm:"primarykey" json:"lot"`
	Used     uint   `json:"used"`
	Capacity uint   `json:"capacity"`
}
