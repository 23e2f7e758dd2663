// Package domain defines the core persistence models for the application.
// This file defines the target descriptor shared by the governor, dispatcher,
// and session layers to identify a send destination without channel-specific
// string inspection.
package domain

// TargetKind tags a Target as a 1:1 contact or a group context.
type TargetKind string

const (
	TargetContact TargetKind = "contact"
	TargetGroup   TargetKind = "group"
)

// Target identifies a send destination on a channel: the peer's wire identity
// plus enough typing for policy decisions (group sends bypass the new-contact
// daily cap, for example). It is a value type and safe to copy.
type Target struct {
	Kind      TargetKind `json:"kind"`
	ChannelID string     `json:"channel_id"` // peer identity on the wire
	Channel   string     `json:"channel"`    // channel type, e.g. "whatsapp"
}

// Key returns the map key used by per-target caches. Kind is included so a
// group and a contact with a colliding wire id cannot share state.
func (t Target) Key() string { return string(t.Kind) + ":" + t.ChannelID }

// IsGroup reports whether the target is a group context.
func (t Target) IsGroup() bool { return t.Kind == TargetGroup }
