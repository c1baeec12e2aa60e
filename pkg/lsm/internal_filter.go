package lsm

import (
	"github.com/dd0wney/cluso-kv/pkg/filter"
	"github.com/dd0wney/cluso-kv/pkg/keys"
)

// internalFilterPolicy adapts a user-key filter policy to the internal
// keys stored in table files by stripping the sequence/type tag before
// hashing or probing.
type internalFilterPolicy struct {
	user filter.Policy
}

func newInternalFilterPolicy(user filter.Policy) filter.Policy {
	if user == nil {
		return nil
	}
	return &internalFilterPolicy{user: user}
}

func (p *internalFilterPolicy) Name() string { return p.user.Name() }

func (p *internalFilterPolicy) CreateFilter(ikeys [][]byte, dst []byte) []byte {
	userKeys := make([][]byte, len(ikeys))
	for i, ik := range ikeys {
		userKeys[i] = keys.UserKey(ik)
	}
	return p.user.CreateFilter(userKeys, dst)
}

func (p *internalFilterPolicy) KeyMayMatch(key, f []byte) bool {
	return p.user.KeyMayMatch(keys.UserKey(key), f)
}
