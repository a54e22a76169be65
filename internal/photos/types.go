package photos

import "time"

// Kind classifies a remote entity.
type Kind int

const (
	KindAlbum Kind = iota + 1
	KindPhoto
	KindVideo
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindAlbum:
		return "album"
	case KindPhoto:
		return "photo"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// IsDir reports whether the entity materializes as a directory.
func (k Kind) IsDir() bool {
	return k == KindAlbum
}

// IsMedia reports whether the entity is a downloadable media item.
func (k Kind) IsMedia() bool {
	return k == KindPhoto || k == KindVideo
}

// Entity is one remote object as reported by the catalog service.
//
// SizeBytes is zero until learned from a ranged download (the listing
// endpoints do not report byte sizes). ContentHash is a hex BLAKE3 digest
// when the service reports one, empty otherwise. BaseURL is a short-lived
// download URL valid for roughly an hour after the listing that produced it.
type Entity struct {
	RemoteID    string
	Kind        Kind
	DisplayName string
	SizeBytes   int64
	MimeType    string
	ContentHash string
	CreatedAt   time.Time
	ModifiedAt  time.Time
	BaseURL     string
}
