package data

// EntryType identifies what kind of filesystem object an entry is.
type EntryType string

const (
	TypeFile      EntryType = "file"
	TypeDirectory EntryType = "directory"
)

// DriveType determines how paths under a drive resolve to permissions.
type DriveType string

const (
	// DrivePrivate is writable by its owner only.
	DrivePrivate DriveType = "private"

	// DrivePublic is writable by its owner and everyone on the writelist.
	// A writelist entry of "*" grants every known user.
	DrivePublic DriveType = "public"

	// DriveBackup carries archival bookkeeping on its entries and is
	// writable by its owner only.
	DriveBackup DriveType = "backup"
)

// MediaMeta holds media-specific attributes extracted asynchronously
// from file content. It is keyed by content fingerprint, so one probe
// result applies to every file sharing the same hash.
type MediaMeta struct {
	// Media type, such as "JPEG", "PNG" or "GIF"
	Type string `json:"type"`

	// Pixel dimensions, zero when unknown
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`

	// Duration in milliseconds for timed media, zero for stills
	Duration int64 `json:"duration,omitempty"`
}
