package source

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/go-logr/logr"
	"k8s.io/klog/v2/klogr"

	ioutil "github.com/namix-io/sync-engine/pkg/utils/io"
)

var commitSHARegex = regexp.MustCompile("^[0-9a-f]{40}$")

// GitFetcher resolves references with ls-remote and downloads content with a shallow clone.
type GitFetcher struct {
	log logr.Logger
}

func NewGitFetcher(log logr.Logger) *GitFetcher {
	if log.GetSink() == nil {
		log = klogr.New()
	}
	return &GitFetcher{log: log}
}

func (f *GitFetcher) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	auth, err := authMethod(req.Credentials)
	if err != nil {
		return nil, NewPermanentError(err)
	}

	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{Name: git.DefaultRemoteName, URLs: []string{req.URL}})
	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: auth})
	if err != nil {
		return nil, classifyGitError(err)
	}
	refName, hash, err := resolveRef(refs, req.Ref)
	if err != nil {
		return nil, NewPermanentError(err)
	}
	if hash == req.KnownRevision {
		return &FetchResult{CommitHash: hash}, nil
	}

	dir, err := ioutil.MkdirTemp("git-")
	if err != nil {
		return nil, NewTransientError(err)
	}
	opts := &git.CloneOptions{URL: req.URL, Auth: auth, Tags: git.NoTags}
	if refName != "" {
		opts.ReferenceName = refName
		opts.SingleBranch = true
		opts.Depth = 1
	}
	repo, err := git.PlainCloneContext(ctx, dir, false, opts)
	if err == nil && refName == "" {
		err = checkout(repo, plumbing.NewHash(hash))
	}
	if err != nil {
		ioutil.DeleteDir(dir)
		return nil, classifyGitError(err)
	}
	f.log.V(1).Info("Fetched revision", "url", req.URL, "ref", req.Ref, "commit", hash)
	return &FetchResult{CommitHash: hash, Content: dir, Temporary: true}, nil
}

func checkout(repo *git.Repository, hash plumbing.Hash) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return err
	}
	return worktree.Checkout(&git.CheckoutOptions{Hash: hash, Force: true})
}

// resolveRef finds the commit a reference points to. An empty ref means HEAD. A full commit
// SHA resolves to itself with an empty reference name.
func resolveRef(refs []*plumbing.Reference, ref string) (plumbing.ReferenceName, string, error) {
	if ref == "" {
		ref = string(plumbing.HEAD)
	}
	byName := map[plumbing.ReferenceName]*plumbing.Reference{}
	for _, r := range refs {
		byName[r.Name()] = r
	}

	candidates := []plumbing.ReferenceName{
		plumbing.ReferenceName(ref),
		plumbing.NewBranchReferenceName(ref),
		plumbing.NewTagReferenceName(ref),
	}
	for _, name := range candidates {
		r, ok := byName[name]
		if !ok {
			continue
		}
		if r.Type() == plumbing.SymbolicReference {
			target, ok := byName[r.Target()]
			if !ok {
				return "", "", fmt.Errorf("reference %s points to missing %s", name, r.Target())
			}
			return target.Name(), target.Hash().String(), nil
		}
		// annotated tags are listed twice, the peeled entry carries the commit
		if peeled, ok := byName[plumbing.ReferenceName(string(name)+"^{}")]; ok {
			return name, peeled.Hash().String(), nil
		}
		return name, r.Hash().String(), nil
	}
	if commitSHARegex.MatchString(strings.ToLower(ref)) {
		return "", strings.ToLower(ref), nil
	}
	return "", "", fmt.Errorf("reference %q not found", ref)
}

func authMethod(creds *Credentials) (transport.AuthMethod, error) {
	switch {
	case creds == nil:
		return nil, nil
	case creds.SSHPrivateKey != "":
		user := creds.Username
		if user == "" {
			user = "git"
		}
		return gitssh.NewPublicKeys(user, []byte(creds.SSHPrivateKey), creds.Password)
	case creds.Password != "":
		user := creds.Username
		if user == "" {
			user = "git"
		}
		return &githttp.BasicAuth{Username: user, Password: creds.Password}, nil
	}
	return nil, nil
}

func classifyGitError(err error) error {
	for _, permanent := range []error{
		transport.ErrAuthenticationRequired,
		transport.ErrAuthorizationFailed,
		transport.ErrRepositoryNotFound,
		transport.ErrInvalidAuthMethod,
		transport.ErrEmptyRemoteRepository,
		plumbing.ErrReferenceNotFound,
	} {
		if errors.Is(err, permanent) {
			return NewPermanentError(err)
		}
	}
	return NewTransientError(err)
}
