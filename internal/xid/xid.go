package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}

// Number builds a short human-facing document number like ORD-20260831-4F2A.
func Number(prefix string, at time.Time) string {
	buf := make([]byte, 2)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%s-%04d", prefix, at.Format("20060102"), at.Nanosecond()%10000)
	}
	return fmt.Sprintf("%s-%s-%s", prefix, at.Format("20060102"), hex.EncodeToString(buf))
}
