package platform

import "fmt"

// ID identifies one federation platform slot.
type ID string

const (
	// Editor is the local instance itself, always registered.
	Editor ID = "editor"

	SillyTavern ID = "sillytavern"
	Hub         ID = "hub"
	Archive     ID = "archive"

	// Extensible third-party slots.
	Risu   ID = "risu"
	Chub   ID = "chub"
	Custom ID = "custom"
)

// Known returns every platform slot in a stable order.
func Known() []ID {
	return []ID{Editor, SillyTavern, Hub, Archive, Risu, Chub, Custom}
}

// Valid reports whether id names a known platform slot.
func (id ID) Valid() bool {
	switch id {
	case Editor, SillyTavern, Hub, Archive, Risu, Chub, Custom:
		return true
	}
	return false
}

func (id ID) String() string {
	return string(id)
}

// Parse converts a string into a known platform ID.
func Parse(s string) (ID, error) {
	id := ID(s)
	if !id.Valid() {
		return "", fmt.Errorf("unknown platform %q", s)
	}
	return id, nil
}
