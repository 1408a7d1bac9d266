/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenCreatesDBAndReopens(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.FileExists(t, filepath.Join(dir, DBFileName))

	s, err = Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestValidateAssetName(t *testing.T) {
	for _, ok := range []string{"a", "cake_01", "A-b-C", strings.Repeat("x", 64)} {
		if _, err := ValidateAssetName(ok); err != nil {
			t.Fatalf("ValidateAssetName(%q) err = %v", ok, err)
		}
	}
	for _, bad := range []string{"", "  ", "蛋糕", "a b", "a/b", strings.Repeat("x", 65)} {
		if _, err := ValidateAssetName(bad); err == nil {
			t.Fatalf("ValidateAssetName(%q): want error", bad)
		}
	}
}

func TestPutBlobIsContentAddressedAndIdempotent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	id1, fn1, err := s.PutBlob(ctx, []byte("img-bytes"), ".PNG")
	require.NoError(t, err)
	assert.Len(t, id1, 40)
	assert.Equal(t, id1+".png", fn1)
	require.FileExists(t, filepath.Join(s.AssetsDir(), fn1))

	id2, fn2, err := s.PutBlob(ctx, []byte("img-bytes"), "png")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, fn1, fn2)

	_, _, err = s.PutBlob(ctx, nil, "png")
	assert.Error(t, err)
}

func TestRegisterAndResolveName(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	blobP, _, err := s.PutBlob(ctx, []byte("personal"), "png")
	require.NoError(t, err)
	blobG, _, err := s.PutBlob(ctx, []byte("group"), "webp")
	require.NoError(t, err)

	require.NoError(t, s.RegisterName(ctx, ScopePersonal, "u1", "cake", blobP, "u1", false))
	require.NoError(t, s.RegisterName(ctx, ScopeGroup, "g1", "cake", blobG, "u1", false))

	// Personal binding shadows the group one.
	fn, ok, err := s.ResolveName(ctx, "u1", "g1", "cake")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, blobP+".png", fn)

	// Other users fall through to the group binding.
	fn, ok, err = s.ResolveName(ctx, "u2", "g1", "cake")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, blobG+".webp", fn)

	_, ok, err = s.ResolveName(ctx, "u2", "", "cake")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegisterNameConflicts(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	blob1, _, err := s.PutBlob(ctx, []byte("one"), "png")
	require.NoError(t, err)
	blob2, _, err := s.PutBlob(ctx, []byte("two"), "png")
	require.NoError(t, err)

	require.NoError(t, s.RegisterName(ctx, ScopePersonal, "u1", "cake", blob1, "u1", false))

	err = s.RegisterName(ctx, ScopePersonal, "u1", "cake", blob2, "u1", false)
	require.ErrorIs(t, err, ErrNameExists)

	require.NoError(t, s.RegisterName(ctx, ScopePersonal, "u1", "cake", blob2, "u1", true))
	fn, ok, err := s.ResolveName(ctx, "u1", "", "cake")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, blob2+".png", fn)

	assert.Error(t, s.RegisterName(ctx, "x", "u1", "cake", blob1, "u1", false))
	assert.Error(t, s.RegisterName(ctx, ScopePersonal, "", "cake", blob1, "u1", false))
	assert.Error(t, s.RegisterName(ctx, ScopePersonal, "u1", "bad name", blob1, "u1", false))
	assert.Error(t, s.RegisterName(ctx, ScopePersonal, "u1", "cake2", "nope", "u1", false))
}

func TestListNames(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	blob, _, err := s.PutBlob(ctx, []byte("x"), "png")
	require.NoError(t, err)
	require.NoError(t, s.RegisterName(ctx, ScopeGroup, "g1", "zz", blob, "u1", false))
	require.NoError(t, s.RegisterName(ctx, ScopeGroup, "g1", "aa", blob, "u1", false))
	require.NoError(t, s.RegisterName(ctx, ScopeGroup, "g2", "other", blob, "u1", false))

	recs, err := s.ListNames(ctx, ScopeGroup, "g1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "aa", recs[0].Name)
	assert.Equal(t, "zz", recs[1].Name)
	assert.Equal(t, blob+".png", recs[0].Filename)
}

func TestDeleteNameRemovesUnreferencedBlob(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	blob, fn, err := s.PutBlob(ctx, []byte("shared"), "png")
	require.NoError(t, err)
	require.NoError(t, s.RegisterName(ctx, ScopePersonal, "u1", "cake", blob, "u1", false))
	require.NoError(t, s.RegisterName(ctx, ScopeGroup, "g1", "cake", blob, "u1", false))

	removed, err := s.DeleteName(ctx, ScopePersonal, "u1", "cake")
	require.NoError(t, err)
	assert.True(t, removed)
	// Still referenced by the group binding.
	require.FileExists(t, filepath.Join(s.AssetsDir(), fn))

	removed, err = s.DeleteName(ctx, ScopeGroup, "g1", "cake")
	require.NoError(t, err)
	assert.True(t, removed)
	_, statErr := os.Stat(filepath.Join(s.AssetsDir(), fn))
	assert.True(t, os.IsNotExist(statErr))

	removed, err = s.DeleteName(ctx, ScopeGroup, "g1", "cake")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestEULAAcceptance(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	ok, err := s.EULAAccepted(ctx, "u1", "blue_archive")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.AcceptEULA(ctx, "u1", "blue_archive"))

	ok, err = s.EULAAccepted(ctx, "u1", "blue_archive")
	require.NoError(t, err)
	assert.True(t, ok)

	ts, ok, err := s.EULAAcceptedAt(ctx, "u1", "blue_archive")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, ts.IsZero())

	ok, err = s.EULAAccepted(ctx, "u2", "blue_archive")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, s.AcceptEULA(ctx, "", "blue_archive"))
	assert.Error(t, s.AcceptEULA(ctx, "u1", "bad-pack"))
}
