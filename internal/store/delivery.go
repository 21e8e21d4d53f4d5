package store

import (
	"strings"
	"time"

	"payverify/internal/model"
)

// ResponseBodyLimit caps the response snapshot kept on a delivery record.
const ResponseBodyLimit = 1000

// TruncateBody trims a response snapshot to ResponseBodyLimit bytes and keeps it
// storable as text (valid UTF-8, no NUL bytes).
func TruncateBody(b []byte) string {
	if len(b) > ResponseBodyLimit {
		b = b[:ResponseBodyLimit]
	}
	s := strings.ToValidUTF8(string(b), "")
	return strings.ReplaceAll(s, "\x00", "")
}

func cloneSubscription(s model.Subscription) model.Subscription {
	s.Events = append([]model.EventType(nil), s.Events...)
	s.LastTriggeredAt = copyTime(s.LastTriggeredAt)
	return s
}

// cloneDelivery copies pointer fields; EventData is immutable once recorded and is shared.
func cloneDelivery(d model.DeliveryRecord) model.DeliveryRecord {
	d.ResponseCode = copyInt(d.ResponseCode)
	d.NextRetryAt = copyTime(d.NextRetryAt)
	d.DeliveredAt = copyTime(d.DeliveredAt)
	return d
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
