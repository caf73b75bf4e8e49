package index

import (
	"encoding/json"

	"github.com/llvs-go/llvs/internal/llvserrors"
	"github.com/llvs-go/llvs/internal/types"
)

// RootKey is the fixed zone key under which every commit's root index
// node is stored (addressed as (RootKey, commitID)).
const RootKey = "__llvs_root__"

// Node is one node of the versioned two-level map. A root node's
// children are sub-node references keyed by 2-character prefix; a
// sub-node's children are (logical key, ValueRef) pairs. Nodes are
// immutable once written: a new (key, commitID) pair is written per
// touched prefix per commit, and never rewritten.
type Node struct {
	Key      string // RootKey for a root node, or the 2-char prefix for a sub-node
	CommitID string // the commit that wrote this node
	IsRoot   bool

	SubRefs map[string]string         // root only: prefix -> commitID of the sub-node written there
	Entries map[string]types.ValueRef // sub-node only: logical key -> ref
}

func newRoot(commitID string) Node {
	return Node{Key: RootKey, CommitID: commitID, IsRoot: true, SubRefs: map[string]string{}}
}

func newSub(prefix, commitID string) Node {
	return Node{Key: prefix, CommitID: commitID, IsRoot: false, Entries: map[string]types.ValueRef{}}
}

// wire shapes, matching spec §6's Index node (JSON) exactly.
type wireRef struct {
	Key      string `json:"key"`
	CommitID string `json:"commit_id"`
}

type wireValueEntry struct {
	Key            string       `json:"key"`
	ValueReference wireValueRef `json:"valueReference"`
}

type wireValueRef struct {
	ValueID        string `json:"value_id"`
	StoredCommitID string `json:"stored_commit_id"`
}

type wireNodeEntry struct {
	Key      string `json:"key"`
	CommitID string `json:"commit_id"`
}

// MarshalJSON produces `{ "reference": {...}, "children": { "values": [...] } }`
// for a sub-node, or `{ "reference": {...}, "children": { "nodes": [...] } }`
// for a root node — the single-key-present shape spec §6 describes.
func (n Node) MarshalJSON() ([]byte, error) {
	out := struct {
		Reference wireRef         `json:"reference"`
		Children  json.RawMessage `json:"children"`
	}{Reference: wireRef{Key: n.Key, CommitID: n.CommitID}}

	if n.IsRoot {
		nodes := make([]wireNodeEntry, 0, len(n.SubRefs))
		for prefix, cid := range n.SubRefs {
			nodes = append(nodes, wireNodeEntry{Key: prefix, CommitID: cid})
		}
		children, err := json.Marshal(struct {
			Nodes []wireNodeEntry `json:"nodes"`
		}{Nodes: nodes})
		if err != nil {
			return nil, err
		}
		out.Children = children
	} else {
		values := make([]wireValueEntry, 0, len(n.Entries))
		for key, ref := range n.Entries {
			values = append(values, wireValueEntry{
				Key: key,
				ValueReference: wireValueRef{
					ValueID:        ref.ValueID,
					StoredCommitID: ref.StoredCommitID,
				},
			})
		}
		children, err := json.Marshal(struct {
			Values []wireValueEntry `json:"values"`
		}{Values: values})
		if err != nil {
			return nil, err
		}
		out.Children = children
	}

	return json.Marshal(out)
}

func (n *Node) UnmarshalJSON(data []byte) error {
	var wire struct {
		Reference wireRef         `json:"reference"`
		Children  json.RawMessage `json:"children"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(wire.Children, &probe); err != nil {
		return err
	}

	n.Key = wire.Reference.Key
	n.CommitID = wire.Reference.CommitID

	if raw, ok := probe["nodes"]; ok {
		n.IsRoot = true
		n.SubRefs = map[string]string{}
		var entries []wireNodeEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return err
		}
		for _, e := range entries {
			n.SubRefs[e.Key] = e.CommitID
		}
		return nil
	}
	if raw, ok := probe["values"]; ok {
		n.IsRoot = false
		n.Entries = map[string]types.ValueRef{}
		var entries []wireValueEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return err
		}
		for _, e := range entries {
			n.Entries[e.Key] = types.ValueRef{
				ValueID:        e.ValueReference.ValueID,
				StoredCommitID: e.ValueReference.StoredCommitID,
			}
		}
		return nil
	}
	return llvserrors.Wrapf(llvserrors.ErrUnexpectedNodeContent, "node %s@%s: neither values nor nodes present", n.Key, n.CommitID)
}

// Prefix returns the 2-character shard prefix of a logical key.
func Prefix(key string) string {
	if len(key) >= 2 {
		return key[:2]
	}
	if len(key) == 1 {
		return key + "_"
	}
	return "__"
}
