package store

import "fmt"

// DynamoDB schema constants for the watermark table
const (
	// Table attributes
	AttrPK         = "PK"
	AttrSK         = "SK"
	AttrEntityType = "entity_type"
	AttrLastRun    = "last_run"

	// Entity types
	EntityTypeWatermark = "SchedulerWatermark"
)

// Watermark keys: PK=SCHEDULER#{name}, SK=WATERMARK
func watermarkPK(name string) string {
	return fmt.Sprintf("SCHEDULER#%s", name)
}

func watermarkSK() string {
	return "WATERMARK"
}
