// Package ingest turns raw inbound message events into normalized records.
// Each step is isolated: an error or panic in one step leaves its field
// empty and the remaining steps still run.
package ingest

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"groupvault/internal/attach"
	"groupvault/internal/clock"
	"groupvault/internal/logging"
	"groupvault/internal/types"
)

// MediaResolver classifies and stores media bytes.
type MediaResolver interface {
	ResolveMedia(ctx context.Context, m types.MediaRef, ts time.Time) (*types.AttachmentDescriptor, error)
}

// LinkResolver turns a URL into a link descriptor.
type LinkResolver interface {
	ResolveLink(ctx context.Context, raw string) (*types.AttachmentDescriptor, error)
}

// Options configures a Pipeline.
type Options struct {
	// Self returns the session's own account id; may be nil.
	Self func() string
	// StripFirstLink removes the first URL from the display text.
	StripFirstLink bool
	Clock          clock.Clock
}

// Stats are cumulative pipeline counters.
type Stats struct {
	Processed    int64
	Filtered     int64
	Rejected     int64
	StepFailures int64
}

// Pipeline normalizes inbound events.
type Pipeline struct {
	opts  Options
	media MediaResolver
	links LinkResolver
	clock clock.Clock

	processed    atomic.Int64
	filtered     atomic.Int64
	rejected     atomic.Int64
	stepFailures atomic.Int64
}

// New creates a Pipeline. Either resolver may be nil, in which case media
// is skipped and links are kept verbatim.
func New(opts Options, media MediaResolver, links LinkResolver) *Pipeline {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Pipeline{opts: opts, media: media, links: links, clock: opts.Clock}
}

// job carries one event through the steps.
type job struct {
	ctx context.Context
	ev  types.InboundEvent
	msg types.NormalizedMessage
	// firstLink is the raw text of the first URL, for stripping.
	firstLink string
	linkTitle string
}

// Process runs the pipeline. It returns nil when the event is filtered out
// or fails validation, and never panics.
func (p *Pipeline) Process(ctx context.Context, ev types.InboundEvent) *types.NormalizedMessage {
	if !p.accept(ev) {
		p.filtered.Add(1)
		return nil
	}

	j := &job{ctx: ctx, ev: ev}
	p.step("extract", j, p.extract)
	p.step("reply", j, p.resolveReply)
	p.step("links", j, p.extractLinks)
	p.step("attachment", j, p.resolveAttachments)

	if j.msg.GroupID == "" && j.msg.SenderName == "" {
		p.rejected.Add(1)
		logging.IngestDebug("rejecting event %s: no group id and no sender", ev.ID)
		return nil
	}

	p.step("shape", j, p.shape)
	p.processed.Add(1)
	msg := j.msg
	return &msg
}

// Stats returns the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Processed:    p.processed.Load(),
		Filtered:     p.filtered.Load(),
		Rejected:     p.rejected.Load(),
		StepFailures: p.stepFailures.Load(),
	}
}

func (p *Pipeline) step(name string, j *job, fn func(*job) error) {
	defer func() {
		if r := recover(); r != nil {
			p.stepFailures.Add(1)
			logging.IngestWarn("step %s panicked on event %s: %v", name, j.ev.ID, r)
		}
	}()
	if err := fn(j); err != nil {
		p.stepFailures.Add(1)
		logging.IngestWarn("step %s failed on event %s: %v", name, j.ev.ID, err)
	}
}

// accept is the identity filter: own messages, broadcast and status
// channels and direct chats never reach storage.
func (p *Pipeline) accept(ev types.InboundEvent) bool {
	if ev.FromMe {
		return false
	}
	if types.IsBroadcastID(ev.ChatID) || types.IsBroadcastID(ev.AuthorID) {
		return false
	}
	if p.opts.Self != nil {
		if self := p.opts.Self(); self != "" && ev.AuthorID == self {
			return false
		}
	}
	return ev.IsGroup || types.IsGroupID(ev.ChatID)
}

func (p *Pipeline) extract(j *job) error {
	ev := j.ev
	j.msg.SourceID = ev.ID
	j.msg.GroupID = ev.ChatID
	j.msg.GroupName = ev.ChatName
	if j.msg.GroupName == "" {
		j.msg.GroupName = ev.ChatID
	}
	j.msg.SenderName = firstNonEmpty(ev.PushName, ev.ContactName, ev.AuthorID)
	j.msg.Text = ev.Body
	j.msg.Timestamp = p.timestamp(ev.Timestamp)
	return nil
}

// timestamp accepts unix seconds or milliseconds; anything absent or
// implausible becomes now.
func (p *Pipeline) timestamp(raw int64) time.Time {
	now := p.clock.Now()
	if raw <= 0 {
		return now
	}
	t := time.Unix(raw, 0)
	if raw > 1e12 {
		t = time.UnixMilli(raw)
	}
	if t.After(now.Add(24 * time.Hour)) {
		return now
	}
	return t.UTC()
}

func (p *Pipeline) resolveReply(j *job) error {
	q := j.ev.Quoted
	if q == nil {
		return nil
	}
	reply := &types.Reply{SourceMessageID: q.ID, Text: q.Body}
	j.msg.Reply = reply

	kind := attach.KindForMessageType(q.Type)
	if kind == types.KindNone && q.HasMedia {
		kind = attach.KindForMIME(q.MimeType)
	}
	if kind == types.KindNone && !q.HasMedia {
		return nil
	}

	locator := q.Locator
	synthKind, synth := attach.SynthesizeQuotedLocator(*q)
	if kind == types.KindNone {
		kind = synthKind
	}
	if locator == "" {
		locator = synth
	}
	reply.AttachmentKind = kind
	reply.AttachmentLocator = locator
	if reply.Text == "" && (kind == types.KindVideo || kind == types.KindAudio) {
		reply.Text = locator
	}
	return nil
}

var urlPattern = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"'` + "`" + `]+`)

// trailing characters that end up glued to URLs in chat text.
const urlTrim = ".,;:!?)]}*_~'\""

// NormalizeURL strips chat formatting and punctuation around a URL.
func NormalizeURL(raw string) string {
	s := strings.TrimLeft(strings.TrimSpace(raw), "*_~")
	for s != "" {
		last := s[len(s)-1]
		if !strings.ContainsRune(urlTrim, rune(last)) {
			break
		}
		// Keep a closing paren that balances one inside the URL.
		if last == ')' && strings.Count(s, "(") >= strings.Count(s, ")") {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}

func (p *Pipeline) extractLinks(j *job) error {
	matches := urlPattern.FindAllString(j.msg.Text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	var failed []string
	for _, raw := range matches {
		u := NormalizeURL(raw)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true

		ref, title := u, ""
		if p.links != nil {
			desc, err := p.links.ResolveLink(j.ctx, u)
			if err != nil || desc == nil {
				failed = append(failed, u)
				continue
			}
			ref, title = desc.Locator, desc.Title
		}
		if len(j.msg.LinkRefs) == 0 {
			j.firstLink = u
			j.linkTitle = title
			j.msg.Attachments.Link = ref
		}
		j.msg.LinkRefs = append(j.msg.LinkRefs, ref)
	}

	if p.opts.StripFirstLink && j.firstLink != "" {
		text := strings.Replace(j.msg.Text, j.firstLink, "", 1)
		j.msg.Text = strings.TrimSpace(strings.ReplaceAll(text, "  ", " "))
	}
	if len(failed) > 0 {
		return fmt.Errorf("unresolved links: %s", strings.Join(failed, ", "))
	}
	return nil
}

func (p *Pipeline) resolveAttachments(j *job) error {
	if p.media == nil || !j.ev.HasMedia {
		return nil
	}
	var errs []string
	if m := j.ev.Media; m != nil {
		desc, err := p.media.ResolveMedia(j.ctx, *m, j.msg.Timestamp)
		switch {
		case err != nil:
			errs = append(errs, err.Error())
		case desc != nil:
			j.msg.Attachments.Set(desc.Kind, desc.Locator)
		}
	}

	var batch []string
	for _, m := range j.ev.Album {
		desc, err := p.media.ResolveMedia(j.ctx, m, j.msg.Timestamp)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if desc != nil {
			batch = append(batch, desc.Locator)
		}
	}
	if len(batch) > 0 {
		j.msg.Attachments.Batch = strings.Join(batch, ",")
	}
	if len(errs) > 0 {
		return fmt.Errorf("media: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (p *Pipeline) shape(j *job) error {
	for _, kind := range types.KindPriority {
		loc := j.msg.Attachments.Get(kind)
		if loc == "" {
			continue
		}
		j.msg.Kind = kind
		desc := &types.AttachmentDescriptor{Kind: kind, Locator: loc}
		if kind == types.KindLink {
			desc.Title = j.linkTitle
		}
		j.msg.Attachment = desc
		return nil
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
