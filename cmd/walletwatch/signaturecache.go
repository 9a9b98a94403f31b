package main

import (
	"context"

	"github.com/walletwatch/walletwatch/internal/store"
)

// upstreamResolver is the subset of signatures.Resolver this file's
// caching decorator depends on.
type upstreamResolver interface {
	Resolve(ctx context.Context, selector string) (string, error)
}

// cachingSignatureResolver fronts an upstreamResolver with the embedded
// selector cache (spec §6 selector_cache_path), satisfying
// router.SignatureResolver.
type cachingSignatureResolver struct {
	cache    *store.SelectorCache
	upstream upstreamResolver
}

func newCachingSignatureResolver(cache *store.SelectorCache, upstream upstreamResolver) *cachingSignatureResolver {
	return &cachingSignatureResolver{cache: cache, upstream: upstream}
}

func (r *cachingSignatureResolver) Resolve(ctx context.Context, selector string) (string, error) {
	if sig, ok := r.cache.Get(selector); ok {
		return sig, nil
	}

	sig, err := r.upstream.Resolve(ctx, selector)
	if err != nil {
		return "", err
	}
	if sig != "" {
		r.cache.Put(selector, sig)
	}
	return sig, nil
}
