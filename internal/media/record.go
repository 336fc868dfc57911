package media

import "time"

// Well-known record keys. Kind specific extractors are free to add
// their own keys (e.g. grouped EXIF tags) on top of these.
const (
	RecordKeyKind        = "kind"
	RecordKeySize        = "size"
	RecordKeyWidth       = "width"
	RecordKeyHeight      = "height"
	RecordKeyOrientation = "orientation"
	RecordKeyCaptureTime = "capture_time"
	RecordKeyDuration    = "duration_seconds"
	RecordKeyCodec       = "codec"
	RecordKeyFrameRate   = "frame_rate_fps"
	RecordKeyBitrate     = "bitrate"
	RecordKeyContainer   = "container"
	RecordKeyPageCount   = "page_count"
	RecordKeyTitle       = "title"
	RecordKeyAuthor      = "author"
)

// Record is the normalized metadata mapping produced once per job.
// Values are strings, int64/float64 numerics, or timestamps.
// Numeric media fields use pixels, seconds and fps respectively and
// are always non-negative; extractors drop a field rather than store
// an invalid value.
type Record map[string]any

// MinimalRecord is the fallback record used when extraction fails
// entirely. A job never reaches the upload queue with less than this.
func MinimalRecord(kind Kind, size int64) Record {
	return Record{
		RecordKeyKind: kind.String(),
		RecordKeySize: size,
	}
}

func (r Record) SetString(key string, value string) {
	if value == "" {
		return
	}
	r[key] = value
}

// SetInt stores a non-negative integer field, dropping negative input.
func (r Record) SetInt(key string, value int64) {
	if value < 0 {
		return
	}
	r[key] = value
}

// SetFloat stores a non-negative numeric field, dropping negative input.
func (r Record) SetFloat(key string, value float64) {
	if value < 0 {
		return
	}
	r[key] = value
}

func (r Record) SetTime(key string, value time.Time) {
	if value.IsZero() {
		return
	}
	r[key] = value
}

func (r Record) GetString(key string) (string, bool) {
	v, ok := r[key].(string)
	return v, ok
}

func (r Record) GetInt(key string) (int64, bool) {
	v, ok := r[key].(int64)
	return v, ok
}

func (r Record) GetFloat(key string) (float64, bool) {
	v, ok := r[key].(float64)
	return v, ok
}

func (r Record) GetTime(key string) (time.Time, bool) {
	v, ok := r[key].(time.Time)
	return v, ok
}
