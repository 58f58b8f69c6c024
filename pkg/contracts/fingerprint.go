package contracts

// MaxHashBytes caps how much of a file the fingerprinter reads. Hashing a
// bounded prefix keeps fingerprinting O(1) in file size; similarity for
// larger files degrades gracefully through the size and extension rules.
const MaxHashBytes = 200 * 1024

// ContentFingerprint summarizes an artifact for novelty detection. Hash
// covers at most the first MaxHashBytes of content; Size is the full file
// size; Type is the extension without the dot.
type ContentFingerprint struct {
	Hash      string    `json:"hash"`
	Size      int64     `json:"size"`
	Type      string    `json:"type"`
	Path      string    `json:"path"`
	Timestamp Timestamp `json:"timestamp"`
}
