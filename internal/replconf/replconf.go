// Package replconf implements the replicator configuration (C9, spec.md
// §4.9): a declarative import/export rule set, bidirectional-link
// detection, tail-offset resolution, and hook loading.
//
// Rule documents are read through store.Store from the "replication"
// collection (spec.md §6 persisted-state layout) and decoded with
// github.com/vinllen/mgo/bson, the same way the teacher decodes its
// oplog/checkpoint documents (collector/ckpt.CheckpointManager.Get, which
// also treats a persisted document as just another BSON-shaped config
// record rather than a bespoke format).
package replconf

import (
	"context"
	"errors"
	"fmt"

	"github.com/Netsend/PerspectiveDB-sub000/internal/dag"
	"github.com/Netsend/PerspectiveDB-sub000/internal/merge"
	"github.com/Netsend/PerspectiveDB-sub000/internal/store"
	"github.com/vinllen/mgo/bson"
)

// Direction is which side of a replication pair a Rule describes.
type Direction string

const (
	Export Direction = "export"
	Import Direction = "import"
)

// Rule is one replication pair: source collection to target collection at
// a peer, with an optional document filter and hook chain.
type Rule struct {
	Direction  Direction `bson:"direction"`
	Peer       string    `bson:"peer"` // peer name/address this rule concerns
	SourceDB   string    `bson:"sourceDb"`
	SourceColl string    `bson:"sourceColl"`
	TargetDB   string    `bson:"targetDb"`
	TargetColl string    `bson:"targetColl"`
	Filter     store.Doc `bson:"filter,omitempty"`
	HookNames  []string  `bson:"hooks,omitempty"`
	Hide       []string  `bson:"hide,omitempty"` // field names stripped by the hide hook
}

func (r Rule) sourceNS() store.NS { return store.NS{DB: r.SourceDB, Collection: r.SourceColl} }
func (r Rule) targetNS() store.NS { return store.NS{DB: r.TargetDB, Collection: r.TargetColl} }

// Config is the full parsed rule set for one node.
type Config struct {
	Rules []Rule
}

// ErrBidirectional is returned when a rule set declares the same
// collection both exported to and imported from the same peer (spec.md §7).
var ErrBidirectional = errors.New("replconf: bidirectional replication is not allowed")

// Validate rejects a Config containing a bidirectional link.
func (c Config) Validate() error {
	if links := BidirFrom(c); len(links) > 0 {
		return fmt.Errorf("%w: %v", ErrBidirectional, links)
	}
	return nil
}

// BidirLink names one bidirectional pair: the same (peer, db, collection)
// appears on both the export and import sides.
type BidirLink struct {
	Peer string
	NS   store.NS
}

// BidirFrom enumerates bidirectional links: a collection that is both
// exported to and imported from the same peer.
func BidirFrom(c Config) []BidirLink {
	exported := map[string]map[store.NS]struct{}{}
	imported := map[string]map[store.NS]struct{}{}
	for _, r := range c.Rules {
		bucket := exported
		if r.Direction == Import {
			bucket = imported
		}
		if bucket[r.Peer] == nil {
			bucket[r.Peer] = map[store.NS]struct{}{}
		}
		// the collection that moves over the wire is always the source side
		// for export, the target side for import (both are "the thing this
		// peer and ours agree is the same logical collection").
		ns := r.sourceNS()
		if r.Direction == Import {
			ns = r.targetNS()
		}
		bucket[r.Peer][ns] = struct{}{}
	}
	var out []BidirLink
	for peer, exNS := range exported {
		imNS, ok := imported[peer]
		if !ok {
			continue
		}
		for ns := range exNS {
			if _, ok := imNS[ns]; ok {
				out = append(out, BidirLink{Peer: peer, NS: ns})
			}
		}
	}
	return out
}

// ReplicateTo returns the subset of c concerning target ("db.coll").
func ReplicateTo(c Config, target store.NS) []Rule {
	var out []Rule
	for _, r := range c.Rules {
		if r.Direction == Export && r.targetNS() == target {
			out = append(out, r)
		}
		if r.Direction == Import && r.targetNS() == target {
			out = append(out, r)
		}
	}
	return out
}

// SplitImportExport separates rules by direction for easy indexing.
func SplitImportExport(c Config) (imports, exports []Rule) {
	for _, r := range c.Rules {
		if r.Direction == Import {
			imports = append(imports, r)
		} else {
			exports = append(exports, r)
		}
	}
	return imports, exports
}

// MissingExport names an import rule this node has with no matching export
// rule found at the peer's own rule set.
type MissingExport struct {
	Peer string
	NS   store.NS
}

// VerifyImportExport ensures every import in local has a matching export in
// the corresponding peer's rule set (peerRules keyed by peer name),
// returning the set of missing exports per peer.
func VerifyImportExport(local Config, peerRules map[string]Config) []MissingExport {
	var missing []MissingExport
	imports, _ := SplitImportExport(local)
	for _, r := range imports {
		peerCfg, ok := peerRules[r.Peer]
		if !ok {
			missing = append(missing, MissingExport{Peer: r.Peer, NS: r.sourceNS()})
			continue
		}
		found := false
		for _, pr := range peerCfg.Rules {
			if pr.Direction == Export && pr.targetNS() == r.sourceNS() {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, MissingExport{Peer: r.Peer, NS: r.sourceNS()})
		}
	}
	return missing
}

// TailOffset is the resume point for one replication pair, plus its
// composed hook chain.
type TailOffset struct {
	Rule   Rule
	Offset int64 // highest local seq among the source collection's heads, 0 if none
	Found  bool  // false if the source collection has no local revision with a seq
	Hooks  merge.Chain
}

// VCIndexes maps a "db.collection" string to that collection's DAG index,
// the minimal surface GetTailOptions needs from the running system.
type VCIndexes map[string]*dag.Index

// GetTailOptions returns, for every replication pair in c, the resume
// offset (the highest local-perspective seq among the current heads of the
// rule's source collection, or Found=false if none) plus the rule's composed
// hook chain. No per-pair record of exchanged revisions is kept, so every
// rule with the same source collection gets the same offset.
func GetTailOptions(c Config, vcs VCIndexes, hooks map[string]merge.Hook) []TailOffset {
	out := make([]TailOffset, 0, len(c.Rules))
	for _, r := range c.Rules {
		idx := vcs[r.sourceNS().String()]
		chain := buildChain(r.HookNames, r.Hide, hooks)
		to := TailOffset{Rule: r, Hooks: chain}
		if idx != nil {
			if max := highestSeq(idx); max > 0 {
				to.Offset = max
				to.Found = true
			}
		}
		out = append(out, to)
	}
	return out
}

func highestSeq(idx *dag.Index) int64 {
	var max int64
	for _, id := range idx.IDs(dag.Local) {
		for _, h := range idx.Heads([]byte(id), dag.Local) {
			if h.Seq > max {
				max = h.Seq
			}
		}
	}
	return max
}

// hideHook drops named fields from a document, the field-hiding transform
// buildChain appends for a rule's Hide list (it is not registered by name in
// LoadHooks).
func hideHook(fields []string) merge.Hook {
	return func(doc merge.Doc, _ merge.HookOpts) (merge.Doc, error) {
		if len(fields) == 0 {
			return doc, nil
		}
		out := make(merge.Doc, len(doc))
		for k, v := range doc {
			out[k] = v
		}
		for _, f := range fields {
			delete(out, f)
		}
		return out, nil
	}
}

// filterHook drops a document entirely (returns nil) unless it matches
// every key in filter.
func filterHook(filter store.Doc) merge.Hook {
	return func(doc merge.Doc, _ merge.HookOpts) (merge.Doc, error) {
		for k, v := range filter {
			if doc[k] != v {
				return nil, nil
			}
		}
		return doc, nil
	}
}

func buildChain(names []string, hide []string, named map[string]merge.Hook) merge.Chain {
	var chain merge.Chain
	for _, n := range names {
		if h, ok := named[n]; ok {
			chain = append(chain, h)
		}
	}
	if len(hide) > 0 {
		chain = append(chain, hideHook(hide))
	}
	return chain
}

// LoadHooks resolves a set of named deterministic transforms, used for
// filtering and field hiding. Unlike hideHook (derived per-rule from
// Rule.Hide), these are process-wide named hooks a rule can reference by
// name in HookNames — e.g. a filter hook built from the rule's own Filter
// field, registered under a conventional name so GetTailOptions's chain
// construction can find it.
func LoadHooks(rules []Rule) map[string]merge.Hook {
	out := make(map[string]merge.Hook, len(rules))
	for _, r := range rules {
		if r.Filter == nil {
			continue
		}
		name := fmt.Sprintf("filter:%s.%s->%s", r.SourceDB, r.SourceColl, r.Peer)
		out[name] = filterHook(r.Filter)
	}
	return out
}

// FetchFromDB reads a single persisted rule document for (collName,
// direction, remote) from the conventional "replication" collection.
func FetchFromDB(ctx context.Context, st store.Store, replicationNS store.NS, collName string, dir Direction, remote string) (Rule, bool, error) {
	key := store.Doc{"sourceColl": collName, "direction": string(dir), "peer": remote}
	cur, err := st.Find(ctx, replicationNS, key, "")
	if err != nil {
		return Rule{}, false, err
	}
	defer cur.Close()
	d, ok, err := cur.Next(ctx)
	if err != nil {
		return Rule{}, false, err
	}
	if !ok {
		return Rule{}, false, nil
	}
	b, err := bson.Marshal(d)
	if err != nil {
		return Rule{}, false, err
	}
	var r Rule
	if err := bson.Unmarshal(b, &r); err != nil {
		return Rule{}, false, err
	}
	return r, true, nil
}

// LoadConfig reads every rule document from the conventional "replication"
// collection into a Config.
func LoadConfig(ctx context.Context, st store.Store, replicationNS store.NS) (Config, error) {
	cur, err := st.Find(ctx, replicationNS, store.Doc{}, "")
	if err != nil {
		return Config{}, err
	}
	defer cur.Close()
	var cfg Config
	for {
		d, ok, err := cur.Next(ctx)
		if err != nil {
			return Config{}, err
		}
		if !ok {
			break
		}
		b, err := bson.Marshal(d)
		if err != nil {
			return Config{}, err
		}
		var r Rule
		if err := bson.Unmarshal(b, &r); err != nil {
			return Config{}, err
		}
		cfg.Rules = append(cfg.Rules, r)
	}
	return cfg, nil
}
