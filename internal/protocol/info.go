package protocol

import (
	"encoding/json"
	"fmt"
)

// InfoClassID is the stable small-integer tag carried on the wire so a
// receiver can reconstruct the correct InfoRecord variant. Values are
// fixed by the original implementation's class registry, not by the
// prose order of the variants: ServerInfo=0, ClusterInfo=1, BrainInfo=2.
type InfoClassID int

const (
	ClassServer  InfoClassID = 0
	ClassCluster InfoClassID = 1
	ClassBrain   InfoClassID = 2
)

// InfoRecord is any of the three per-client presence snapshots.
type InfoRecord interface {
	InfoClassID() InfoClassID
	OwnerUID() UID
}

// BrainInfo is broadcast by the coordinator. It carries no state beyond
// its own identity.
type BrainInfo struct {
	UID UID `json:"uid"`
}

func (b BrainInfo) InfoClassID() InfoClassID { return ClassBrain }
func (b BrainInfo) OwnerUID() UID            { return b.UID }

// ServerInfo is broadcast by a host agent.
type ServerInfo struct {
	UID         UID   `json:"uid"`
	ClusterUIDs []UID `json:"cluster_uids"`
}

func (s ServerInfo) InfoClassID() InfoClassID { return ClassServer }
func (s ServerInfo) OwnerUID() UID            { return s.UID }

// ClusterInfo is broadcast by a worker.
type ClusterInfo struct {
	UID       UID   `json:"uid"`
	ServerUID UID   `json:"server_uid"`
	ShardIDs  []int `json:"shard_ids"`
	Ready     bool  `json:"ready"`
}

func (c ClusterInfo) InfoClassID() InfoClassID { return ClassCluster }
func (c ClusterInfo) OwnerUID() UID            { return c.UID }

// SmallestShard returns the lowest shard id owned by this cluster.
// ShardIDs is never empty for a real cluster.
func (c ClusterInfo) SmallestShard() int {
	smallest := c.ShardIDs[0]
	for _, s := range c.ShardIDs[1:] {
		if s < smallest {
			smallest = s
		}
	}
	return smallest
}

// ClusterID returns the ordinal of this cluster's shard range, given the
// configured shard count per cluster.
func ClusterID(smallestShardID, shardsPerCluster int) int {
	return smallestShardID / shardsPerCluster
}

// infoClassField is the wire key carrying the discriminant, injected
// alongside the record's own fields.
const infoClassField = "_info_class_id"

// EncodeInfo marshals an InfoRecord together with its discriminant tag.
func EncodeInfo(rec InfoRecord) (json.RawMessage, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode info record: %w", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("protocol: encode info record: %w", err)
	}
	tag, err := json.Marshal(rec.InfoClassID())
	if err != nil {
		return nil, err
	}
	m[infoClassField] = tag
	return json.Marshal(m)
}

// DecodeInfo reads the discriminant tag and unmarshals into the matching
// InfoRecord variant.
func DecodeInfo(raw json.RawMessage) (InfoRecord, error) {
	var tagged struct {
		ClassID InfoClassID `json:"_info_class_id"`
	}
	if err := json.Unmarshal(raw, &tagged); err != nil {
		return nil, fmt.Errorf("protocol: decode info record tag: %w", err)
	}

	switch tagged.ClassID {
	case ClassServer:
		var s ServerInfo
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("protocol: decode ServerInfo: %w", err)
		}
		return s, nil
	case ClassCluster:
		var c ClusterInfo
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("protocol: decode ClusterInfo: %w", err)
		}
		return c, nil
	case ClassBrain:
		var b BrainInfo
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("protocol: decode BrainInfo: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("protocol: unknown info class id %d", tagged.ClassID)
	}
}
