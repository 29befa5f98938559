package relay

import (
	"errors"
	"regexp"
	"sort"
	"strings"

	"github.com/tinyland-inc/tinyrelay/pkg/logger"
)

// Mention token syntax per platform family.
var (
	discordMentionRe = regexp.MustCompile(`<@!?(\d+)>`)
	cqAtRe           = regexp.MustCompile(`\[CQ:at,qq=(\d+)\]`)
)

// Identities translates native user ids across platform boundaries.
// Mappings are stored keyed "src_platform:src_id:dst_platform" and are
// used only for mention rewriting and avatar resolution.
type Identities struct {
	store *Store
}

func NewIdentities(store *Store) *Identities {
	return &Identities{store: store}
}

func identityKey(srcPlatform, srcID, dstPlatform string) string {
	return srcPlatform + ":" + srcID + ":" + dstPlatform
}

// MappedID returns the target-platform id for a user, or the input id
// unchanged when no mapping exists.
func (i *Identities) MappedID(srcPlatform, srcID, dstPlatform string) string {
	table, err := i.store.Identities()
	if err != nil {
		logger.WarnCF("identity", "mapping load failed", map[string]any{"error": err.Error()})
		return srcID
	}
	if mapped, ok := table[identityKey(srcPlatform, srcID, dstPlatform)]; ok {
		return mapped
	}
	return srcID
}

// Add stores one direction of a mapping.
func (i *Identities) Add(srcPlatform, srcID, dstPlatform, dstID string) error {
	return i.store.SetIdentity(identityKey(srcPlatform, srcID, dstPlatform), dstID)
}

// Remove deletes one direction of a mapping.
func (i *Identities) Remove(srcPlatform, srcID, dstPlatform string) error {
	return i.store.DeleteIdentity(identityKey(srcPlatform, srcID, dstPlatform))
}

// List returns all mappings as "key -> id" lines sorted by key.
func (i *Identities) List() ([]string, error) {
	table, err := i.store.Identities()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+" -> "+table[k])
	}
	return lines, nil
}

// EnsurePair creates both directions of a mapping when neither exists.
// Called on first relay of an unseen sender; failure is logged only.
func (i *Identities) EnsurePair(srcPlatform, srcID, dstPlatform, dstID string) {
	table, err := i.store.Identities()
	if err != nil {
		logger.WarnCF("identity", "mapping load failed", map[string]any{"error": err.Error()})
		return
	}
	if _, ok := table[identityKey(srcPlatform, srcID, dstPlatform)]; ok {
		return
	}
	err = i.store.SetIdentityPair(
		identityKey(srcPlatform, srcID, dstPlatform), dstID,
		identityKey(dstPlatform, dstID, srcPlatform), srcID,
	)
	if err != nil {
		logger.WarnCF("identity", "mapping save failed", map[string]any{"error": err.Error()})
	}
}

// RewriteMentions substitutes mention tokens in already-rendered text
// with the destination platform's syntax, translating ids through the
// mapping table. Unmapped mentions pass through untouched. This is
// best-effort pattern substitution, not a structured rewrite.
func (i *Identities) RewriteMentions(content, srcPlatform, dstPlatform string) string {
	rewrite := func(re *regexp.Regexp, text string) string {
		return re.ReplaceAllStringFunc(text, func(token string) string {
			id := re.FindStringSubmatch(token)[1]
			mapped := i.MappedID(srcPlatform, id, dstPlatform)
			if mapped == id {
				return token
			}
			return renderMention(dstPlatform, mapped)
		})
	}
	content = rewrite(discordMentionRe, content)
	content = rewrite(cqAtRe, content)
	return content
}

func renderMention(platform, id string) string {
	switch strings.ToLower(platform) {
	case "discord":
		return "<@" + id + ">"
	case "onebot", "qq", "aiocqhttp":
		return "[CQ:at,qq=" + id + "]"
	default:
		return "@" + id
	}
}

// IsNotFound reports whether err means a missing rule, code or mapping.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
