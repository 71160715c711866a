package topic

import (
	"strings"
)

// SuffixUpload is the upstream topic for upload outcomes (Transmitter -> Cloud).
// Structure: {root}/transmitter/{vehicleID}/upload
const (
	SegmentTransmitter = "transmitter"
	SuffixUpload       = "upload"
)

// Builder encapsulates the logic for constructing MQTT topic strings.
type Builder struct {
	// root is the base namespace for all topics (e.g., "iov/v1").
	root string
}

// NewBuilder creates a Builder rooted at root. Leading and trailing slashes are trimmed.
func NewBuilder(root string) *Builder {
	return &Builder{root: strings.Trim(root, "/")}
}

// Upload returns the topic carrying upload outcomes for one vehicle.
// Topic levels may not contain '+', '#' or '/', so those runes are replaced.
func (b *Builder) Upload(vehicleID string) string {
	return b.join(SegmentTransmitter, sanitize(vehicleID), SuffixUpload)
}

func (b *Builder) join(parts ...string) string {
	if b.root == "" {
		return strings.Join(parts, "/")
	}
	return b.root + "/" + strings.Join(parts, "/")
}

func sanitize(level string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '+', '#', '/':
			return '_'
		}
		return r
	}, level)
}
