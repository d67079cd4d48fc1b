package domain

import "strings"

// Identity is who a cart belongs to. A non-empty UserID makes it
// authenticated; otherwise SessionID (with the device fingerprint as a
// correlation hint) identifies a guest.
type Identity struct {
	UserID            string `json:"user_id,omitempty"`
	SessionID         string `json:"session_id,omitempty"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
}

func UserIdentity(userID string) Identity {
	return Identity{UserID: userID}
}

func GuestIdentity(sessionID, fingerprint string) Identity {
	return Identity{SessionID: sessionID, DeviceFingerprint: fingerprint}
}

func (i Identity) IsGuest() bool {
	return i.UserID == ""
}

// Key is the storage key of the identity's open cart.
func (i Identity) Key() string {
	if !i.IsGuest() {
		return "user:" + i.UserID
	}
	return "session:" + i.SessionID
}

func (i Identity) Validate() error {
	if strings.TrimSpace(i.UserID) == "" && strings.TrimSpace(i.SessionID) == "" {
		return ErrIdentityUnresolved
	}
	return nil
}

func (i Identity) String() string {
	return i.Key()
}
