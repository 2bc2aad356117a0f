// Package acl evaluates signing requests against explicit per-app rules,
// trust-level defaults, and a short-lived cache of KeyUser state.
package acl

import (
	"errors"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/klppl/signet/internal/store"
)

// Decision is the outcome of evaluating one request.
type Decision int

const (
	Undecided Decision = iota
	Permitted
	Denied
)

func (d Decision) String() string {
	switch d {
	case Permitted:
		return "permitted"
	case Denied:
		return "denied"
	default:
		return "undecided"
	}
}

// SAFE kinds are the event kinds a `reasonable`-trust app may sign without
// asking, absent an explicit rule.
var safeKinds = map[int]bool{
	1: true, 6: true, 7: true, 16: true, 1111: true, 30023: true, 30024: true,
	1808: true, 9735: true, 10000: true, 10001: true, 30000: true, 30001: true, 24242: true,
}

// SENSITIVE kinds override SAFE even when both match.
var sensitiveKinds = map[int]bool{
	0: true, 3: true, 4: true, 5: true, 10002: true, 22242: true,
	24133: true, 13194: true, 23194: true, 23195: true,
}

// cacheTTL and cacheCapacity bound the KeyUser summary cache.
const (
	cacheTTL      = 30 * time.Second
	cacheCapacity = 1000
)

type cacheEntry struct {
	summary   keyUserSummary
	expiresAt time.Time
}

type keyUserSummary struct {
	id          int64
	revoked     bool
	trustLevel  store.TrustLevel
	globalDeny  bool
	notFound    bool
	suspended   bool
}

// Evaluator decides Permitted/Denied/Undecided for inbound NIP-46 requests.
type Evaluator struct {
	store *store.Store
	cache *xsync.MapOf[string, cacheEntry]
}

// New builds an Evaluator over store.
func New(st *store.Store) *Evaluator {
	return &Evaluator{
		store: st,
		cache: xsync.NewMapOf[string, cacheEntry](),
	}
}

func cacheKey(keyName, remotePubkey string) string {
	return keyName + "\x00" + remotePubkey
}

// Evaluate runs the authorization algorithm for one (keyName, remotePubkey, method,
// kind) tuple. kind is only meaningful for method == "sign_event"; pass 0
// otherwise. On Permitted, the KeyUser's last_used_at is touched
// best-effort.
func (e *Evaluator) Evaluate(keyName, remotePubkey, method string, kind int) (Decision, error) {
	summary, err := e.loadSummary(keyName, remotePubkey)
	if err != nil {
		return Undecided, err
	}

	if summary.notFound {
		return Undecided, nil
	}
	if summary.revoked || summary.suspended {
		return Denied, nil
	}
	if summary.globalDeny {
		return Denied, nil
	}

	kindStr := ""
	if method == "sign_event" {
		kindStr = strconv.Itoa(kind)
	}
	if allow, found, err := e.store.MatchCondition(summary.id, method, kindStr); err != nil {
		return Undecided, err
	} else if found {
		decision := Denied
		if allow {
			decision = Permitted
		}
		if decision == Permitted {
			e.store.TouchLastUsed(summary.id)
		}
		return decision, nil
	}

	decision := defaultForTrust(summary.trustLevel, method, kind)
	if decision == Permitted {
		e.store.TouchLastUsed(summary.id)
	}
	return decision, nil
}

// defaultForTrust is the trust-level fallback applied when no
// explicit SigningCondition matches.
func defaultForTrust(trust store.TrustLevel, method string, kind int) Decision {
	switch trust {
	case store.TrustFull:
		return Permitted
	case store.TrustReasonable:
		switch method {
		case "ping", "connect":
			return Permitted
		case "sign_event":
			if safeKinds[kind] && !sensitiveKinds[kind] {
				return Permitted
			}
			return Undecided
		default:
			return Undecided
		}
	default: // paranoid, or unrecognized
		return Undecided
	}
}

// loadSummary returns the cached KeyUser summary for (keyName,
// remotePubkey), refetching from the database on a cache miss or expiry.
func (e *Evaluator) loadSummary(keyName, remotePubkey string) (keyUserSummary, error) {
	key := cacheKey(keyName, remotePubkey)
	now := time.Now()

	if entry, ok := e.cache.Load(key); ok && now.Before(entry.expiresAt) {
		return entry.summary, nil
	}

	ku, err := e.store.GetKeyUser(keyName, remotePubkey)
	var summary keyUserSummary
	switch {
	case errors.Is(err, store.ErrNotFound):
		summary = keyUserSummary{notFound: true}
		all, lerr := e.store.ListKeyUsers(keyName)
		if lerr != nil {
			return keyUserSummary{}, lerr
		}
		for _, k := range all {
			if k.RemotePubkey == remotePubkey && k.RevokedAt != nil {
				summary = keyUserSummary{id: k.ID, revoked: true}
				break
			}
		}
	case err != nil:
		return keyUserSummary{}, err
	default:
		globalDeny, err := e.store.HasGlobalDeny(ku.ID)
		if err != nil {
			return keyUserSummary{}, err
		}
		summary = keyUserSummary{
			id:         ku.ID,
			revoked:    ku.RevokedAt != nil,
			suspended:  ku.IsSuspended(now),
			trustLevel: ku.TrustLevel,
			globalDeny: globalDeny,
		}
	}

	e.evictIfFull()
	e.cache.Store(key, cacheEntry{summary: summary, expiresAt: now.Add(cacheTTL)})
	return summary, nil
}

// evictIfFull drops one arbitrary entry when the cache is at capacity. This
// is a crude LRU approximation: xsync's map does not track access order, so
// eviction picks whatever key the iterator visits first. Correctness does
// not depend on eviction order, only on staying near cacheCapacity.
func (e *Evaluator) evictIfFull() {
	if e.cache.Size() < cacheCapacity {
		return
	}
	e.cache.Range(func(k string, _ cacheEntry) bool {
		e.cache.Delete(k)
		return false
	})
}

// Invalidate drops the cached summary for one KeyUser, used after any
// mutation (revoke, suspend, trust change, condition edit).
func (e *Evaluator) Invalidate(keyName, remotePubkey string) {
	e.cache.Delete(cacheKey(keyName, remotePubkey))
}

// InvalidateKey drops every cached entry for keyName, used by mass-revoke
// operations (vault delete, key rename).
func (e *Evaluator) InvalidateKey(keyName string) {
	prefix := keyName + "\x00"
	e.cache.Range(func(k string, _ cacheEntry) bool {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			e.cache.Delete(k)
		}
		return true
	})
}
