package domain

import "encoding/json"

// Origin tells the state store where a mutation came from. Only local
// mutations are rebroadcast; applying a remote one never echoes it back.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// Mutation is a named state change.
type Mutation struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Source is the process id that committed the mutation locally and Seq
	// its position in that process's commit order. Replicas drop a
	// (Source, Seq) pair they have already applied. Seq 0 disables the check.
	Source string `json:"source,omitempty"`
	Seq    uint64 `json:"seq,omitempty"`
}
