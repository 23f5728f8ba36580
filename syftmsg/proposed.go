// proposed.go defines the pre-acceptance side of the protocol: a single
// proposed change and the message that bundles a sender's queue of them.
package syftmsg

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/openmined/syftsync/hashutil"
)

// ProposedChange is a change submitted by a data scientist, pending the
// owner's hash and permission checks. It has the shape of an event minus
// the owner-assigned acceptance timestamp.
type ProposedChange struct {
	ID                 uuid.UUID
	OldHash            *string
	NewHash            *string
	SubmittedTimestamp float64
	PathInDatasite     string
	Content            []byte
	ContentType        string
	DatasiteEmail      string
	IsDeleted          bool
}

// NewProposedChange builds a proposed change for the given datasite path.
// NewHash is computed from content unless this is a deletion. oldHash may be
// nil for creations.
func NewProposedChange(datasiteEmail, pathInDatasite string, content []byte, contentType string, oldHash *string, isDeleted bool) *ProposedChange {
	pc := &ProposedChange{
		ID:                 uuid.New(),
		OldHash:            oldHash,
		SubmittedTimestamp: hashutil.Now(),
		PathInDatasite:     pathInDatasite,
		ContentType:        contentType,
		DatasiteEmail:      datasiteEmail,
		IsDeleted:          isDeleted,
	}
	if !isDeleted {
		pc.Content = content
		h := hashutil.ContentHash(content)
		pc.NewHash = &h
	}
	return pc
}

type proposedChangeJSON struct {
	ID                 uuid.UUID `json:"id"`
	OldHash            *string   `json:"old_hash"`
	NewHash            *string   `json:"new_hash"`
	SubmittedTimestamp float64   `json:"submitted_timestamp"`
	PathInDatasite     string    `json:"path_in_datasite"`
	Content            *string   `json:"content"`
	ContentType        string    `json:"content_type"`
	DatasiteEmail      string    `json:"datasite_email"`
	IsDeleted          bool      `json:"is_deleted"`
}

// MarshalJSON implements json.Marshaler.
func (pc *ProposedChange) MarshalJSON() ([]byte, error) {
	ct := pc.ContentType
	if ct == "" {
		ct = ContentTypeText
	}
	return json.Marshal(proposedChangeJSON{
		ID:                 pc.ID,
		OldHash:            pc.OldHash,
		NewHash:            pc.NewHash,
		SubmittedTimestamp: pc.SubmittedTimestamp,
		PathInDatasite:     pc.PathInDatasite,
		Content:            encodeContent(pc.Content, ct),
		ContentType:        ct,
		DatasiteEmail:      pc.DatasiteEmail,
		IsDeleted:          pc.IsDeleted,
	})
}

// UnmarshalJSON implements json.Unmarshaler. A missing new_hash on a
// non-deletion is recomputed from content, matching what older senders
// omitted.
func (pc *ProposedChange) UnmarshalJSON(data []byte) error {
	var w proposedChangeJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ct := w.ContentType
	if ct == "" {
		ct = ContentTypeText
	}
	content, err := decodeContent(w.Content, ct)
	if err != nil {
		return err
	}
	*pc = ProposedChange{
		ID:                 w.ID,
		OldHash:            w.OldHash,
		NewHash:            w.NewHash,
		SubmittedTimestamp: w.SubmittedTimestamp,
		PathInDatasite:     w.PathInDatasite,
		Content:            content,
		ContentType:        ct,
		DatasiteEmail:      w.DatasiteEmail,
		IsDeleted:          w.IsDeleted,
	}
	if pc.NewHash == nil && !pc.IsDeleted && pc.Content != nil {
		h := hashutil.ContentHash(pc.Content)
		pc.NewHash = &h
	}
	return nil
}

// ProposedChangeMessage bundles one sender's proposed changes into a single
// backend object. Batching is the primary write-amplification reducer:
// every object-store write is a full round trip.
type ProposedChangeMessage struct {
	ID              uuid.UUID               `json:"id"`
	SenderEmail     string                  `json:"sender_email"`
	FileName        ProposedMessageFileName `json:"message_filename"`
	ProposedChanges []*ProposedChange       `json:"proposed_file_changes"`

	// PlatformID is the backend object id once known. Transport-local,
	// never serialized.
	PlatformID string `json:"-"`
}

// NewProposedChangeMessage wraps changes from sender in a message with a
// fresh filename.
func NewProposedChangeMessage(sender string, changes []*ProposedChange) *ProposedChangeMessage {
	return &ProposedChangeMessage{
		ID:              uuid.New(),
		SenderEmail:     sender,
		FileName:        NewProposedMessageFileName(),
		ProposedChanges: changes,
	}
}

// Compressed serializes the message into its canonical envelope.
func (m *ProposedChangeMessage) Compressed() ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "marshal proposed change message")
	}
	return Compress(payload)
}

// ProposedChangeMessageFromCompressed decodes an envelope produced by
// Compressed.
func ProposedChangeMessageFromCompressed(data []byte) (*ProposedChangeMessage, error) {
	payload, err := Uncompress(data)
	if err != nil {
		return nil, err
	}
	var m ProposedChangeMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, errors.Wrap(ErrBadEnvelope, err.Error())
	}
	return &m, nil
}
