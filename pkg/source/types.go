package source

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Source is a repository and reference to track
type Source struct {
	ID             string        `json:"id"`
	URL            string        `json:"url"`
	Ref            string        `json:"ref,omitempty"`
	CredentialsRef string        `json:"credentialsRef,omitempty"`
	PollInterval   time.Duration `json:"pollInterval,omitempty"`
}

// Revision is an immutable fetched commit of a Source
type Revision struct {
	SourceID   string    `json:"sourceId"`
	CommitHash string    `json:"commitHash"`
	FetchedAt  time.Time `json:"fetchedAt"`
}

func (r Revision) String() string {
	return fmt.Sprintf("%s@%s", r.SourceID, r.CommitHash)
}

type Credentials struct {
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	SSHPrivateKey string `json:"sshPrivateKey,omitempty"`
}

type FetchRequest struct {
	URL         string
	Ref         string
	Credentials *Credentials
	// KnownRevision is the commit the caller already holds content for. Fetchers may skip
	// downloading content when the reference still resolves to it.
	KnownRevision string
}

type FetchResult struct {
	CommitHash string
	// Content is the directory holding the revision files. Empty when the reference
	// resolved to FetchRequest.KnownRevision and no content was downloaded.
	Content string
	// Temporary is set when Content is owned by the caller and must be deleted once unused
	Temporary bool
}

// Fetcher resolves a reference and downloads its content
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error)
}

// CredentialsProvider resolves Source.CredentialsRef
type CredentialsProvider interface {
	Credentials(ctx context.Context, ref string) (*Credentials, error)
}

// StaticCredentials is a CredentialsProvider backed by a map
type StaticCredentials map[string]Credentials

func (s StaticCredentials) Credentials(_ context.Context, ref string) (*Credentials, error) {
	creds, ok := s[ref]
	if !ok {
		return nil, NewPermanentError(fmt.Errorf("credentials %q not found", ref))
	}
	return &creds, nil
}

// RevisionStore persists the last seen commit per source
type RevisionStore interface {
	GetRevision(sourceID string) (string, error)
	SaveRevision(sourceID string, commitHash string) error
}

type memoryRevisionStore struct {
	lock      sync.Mutex
	revisions map[string]string
}

// NewMemoryRevisionStore returns a RevisionStore which does not survive restarts.
func NewMemoryRevisionStore() RevisionStore {
	return &memoryRevisionStore{revisions: map[string]string{}}
}

func (m *memoryRevisionStore) GetRevision(sourceID string) (string, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.revisions[sourceID], nil
}

func (m *memoryRevisionStore) SaveRevision(sourceID string, commitHash string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.revisions[sourceID] = commitHash
	return nil
}
