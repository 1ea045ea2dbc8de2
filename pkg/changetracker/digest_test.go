/*
Copyright 2024 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

 http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package changetracker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDigestFileMatchesExpectedLengthPerTag(t *testing.T) {
	path := writeTempFile(t, "hello world")

	for tag, size := range digestSize {
		digest, err := DigestFile(path, tag)
		require.NoError(t, err, "tag %s", tag)
		assert.Len(t, digest, size, "tag %s", tag)
	}
}

func TestDigestFileBestResolvesToSHA256(t *testing.T) {
	path := writeTempFile(t, "hello world")

	best, err := DigestFile(path, Best)
	require.NoError(t, err)
	sha256Digest, err := DigestFile(path, SHA256)
	require.NoError(t, err)

	assert.Equal(t, sha256Digest, best)
}

func TestDigestFileIsDeterministic(t *testing.T) {
	path := writeTempFile(t, "convergent")

	a, err := DigestFile(path, SHA256)
	require.NoError(t, err)
	b, err := DigestFile(path, SHA256)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDigestFileDiffersOnContentChange(t *testing.T) {
	path := writeTempFile(t, "a")
	first, err := DigestFile(path, SHA256)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("b"), 0600))
	second, err := DigestFile(path, SHA256)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestDigestFileMissingFileErrors(t *testing.T) {
	_, err := DigestFile(filepath.Join(t.TempDir(), "missing"), SHA256)
	assert.Error(t, err)
}

func TestPaddedTagIsAlwaysSevenBytes(t *testing.T) {
	for _, tag := range []DigestTag{MD5, SHA1, SHA224, SHA256, SHA384, SHA512, Best} {
		assert.Len(t, paddedTag(tag), 7, "tag %s", tag)
	}
}
