package domain

// Metadata is the record stored next to each vector. Position i in the metadata
// store always describes vector i.
type Metadata struct {
	EntityID    string   `json:"entityId"`
	Skills      []string `json:"skills"`
	Description string   `json:"description"`
}

type VectorEntry struct {
	EntityID  string
	Embedding []float32
	Metadata  Metadata
}

type AddEntryInput struct {
	EntityID    string   `json:"entityId"`
	Skills      []string `json:"skills"`
	Description string   `json:"description"`
}

type SearchInput struct {
	QueryText string `json:"queryText"`
	TopK      int    `json:"topK"`
}

type SearchResult struct {
	EntityID    string   `json:"entityId"`
	Skills      []string `json:"skills"`
	Description string   `json:"description"`
	Distance    float32  `json:"distance"`
}

type StoreStatus string

const (
	StoreReady       StoreStatus = "ready"
	StoreCorrupted   StoreStatus = "corrupted"
	StoreUnavailable StoreStatus = "unavailable"
)

type Stats struct {
	Status     StoreStatus `json:"status"`
	Count      int         `json:"count"`
	Dimensions int         `json:"dimensions"`
	Detail     string      `json:"detail,omitempty"`
}

// Profile is a user record read from a profile source during a rebuild.
type Profile struct {
	Name           string
	Email          string
	WalletAddress  string
	TeachSkills    []string
	LearnInterests []string
	Embedding      []float32
}

type RebuildResult struct {
	Count   int `json:"count"`
	Reused  int `json:"reused"`
	Skipped int `json:"skipped"`
}
