package configloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildforge/coordinator/internal/coordmodel"
)

func writeArtifact(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "master.cfg")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalValidArtifact = `
slavePortnum: 9989
slaves:
  - name: s1
builders:
  - name: b1
    slavenames: [s1]
    factory:
      - name: compile
        locks:
          - name: L
            scope: b1
schedulers:
  - name: all
    builders: [b1]
`

func TestLoad_InitialSuccess_S1(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, minimalValidArtifact)

	loader := New(dir, nil)
	model, err := loader.Load(context.Background(), path, false)
	require.NoError(t, err)

	require.Equal(t, "tcp:9989", model.SlavePortnum)
	require.Len(t, model.Builders, 1)
	require.Equal(t, "b1", model.Builders[0].BuildDir)
	require.Equal(t, []string{"b1"}, model.Schedulers[0].BuilderNames)
}

func TestLoad_DuplicateBuilder_S2(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, `
slavePortnum: 9989
slaves:
  - name: s1
builders:
  - name: b1
    slavenames: [s1]
  - name: b1
    slavenames: [s1]
schedulers:
  - name: all
    builders: [b1]
`)

	loader := New(dir, nil)
	_, err := loader.Load(context.Background(), path, false)
	require.Error(t, err)
	var schemaErr *coordmodel.ConfigSchemaError
	require.ErrorAs(t, err, &schemaErr)
}

func TestLoad_LockIdentityConflict_S3(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, `
slavePortnum: 9989
slaves:
  - name: s1
builders:
  - name: b1
    slavenames: [s1]
    factory:
      - name: step
        locks:
          - name: L
            scope: alpha
  - name: b2
    slavenames: [s1]
    factory:
      - name: step
        locks:
          - name: L
            scope: beta
schedulers:
  - name: all
    builders: [b1, b2]
`)

	loader := New(dir, nil)
	_, err := loader.Load(context.Background(), path, false)
	require.Error(t, err)
}

func TestLoad_ReservedSlaveName_S6(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, `
slavePortnum: 9989
slaves:
  - name: debug
builders:
  - name: b1
    slavenames: [debug]
schedulers:
  - name: all
    builders: [b1]
`)

	loader := New(dir, nil)
	_, err := loader.Load(context.Background(), path, false)
	require.Error(t, err)
}

func TestLoad_UnresolvedSlaveReference_Rejected(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, `
slavePortnum: 9989
slaves:
  - name: s1
builders:
  - name: b1
    slavenames: [ghost]
schedulers:
  - name: all
    builders: [b1]
`)

	loader := New(dir, nil)
	_, err := loader.Load(context.Background(), path, false)
	require.Error(t, err)
}

func TestLoad_DeprecatedKey_HardRejected(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, minimalValidArtifact+"\nsources: []\n")

	loader := New(dir, nil)
	_, err := loader.Load(context.Background(), path, false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "sources")
}

func TestLoad_RenameBuilddir_UnusedValueSucceeds(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, minimalValidArtifact)
	loader := New(dir, nil)
	_, err := loader.Load(context.Background(), path, false)
	require.NoError(t, err)

	path2 := writeArtifact(t, dir, `
slavePortnum: 9989
slaves:
  - name: s1
builders:
  - name: b1
    builddir: b1-renamed
    slavenames: [s1]
schedulers:
  - name: all
    builders: [b1]
`)
	model, err := loader.Load(context.Background(), path2, false)
	require.NoError(t, err)
	require.Equal(t, "b1-renamed", model.Builders[0].BuildDir)
}

func TestLoad_RenameBuilddir_CollisionFails(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, `
slavePortnum: 9989
slaves:
  - name: s1
builders:
  - name: b1
    slavenames: [s1]
  - name: b2
    builddir: b1
    slavenames: [s1]
schedulers:
  - name: all
    builders: [b1, b2]
`)
	loader := New(dir, nil)
	_, err := loader.Load(context.Background(), path, false)
	require.Error(t, err)
}

func TestLoad_DBURLCannotChangeAfterFirstLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, minimalValidArtifact+"\ndb_url: sqlite:///a.sqlite\n")
	loader := New(dir, nil)
	_, err := loader.Load(context.Background(), path, false)
	require.NoError(t, err)

	path2 := writeArtifact(t, dir, minimalValidArtifact+"\ndb_url: sqlite:///b.sqlite\n")
	_, err = loader.Load(context.Background(), path2, false)
	require.Error(t, err)
}

func TestLoad_CheckOnly_DoesNotLockDBURL(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, minimalValidArtifact+"\ndb_url: sqlite:///a.sqlite\n")
	loader := New(dir, nil)
	_, err := loader.Load(context.Background(), path, true)
	require.NoError(t, err)

	path2 := writeArtifact(t, dir, minimalValidArtifact+"\ndb_url: sqlite:///b.sqlite\n")
	model, err := loader.Load(context.Background(), path2, false)
	require.NoError(t, err)
	require.Equal(t, "sqlite:///b.sqlite", model.DBURL)
}

func TestLoad_MultiMaster_AllowsUndeclaredSchedulerBuilder(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, `
slavePortnum: 9989
slaves:
  - name: s1
builders:
  - name: b1
    slavenames: [s1]
schedulers:
  - name: all
    builders: [b1, notyetdeclared]
multiMaster: true
`)
	loader := New(dir, nil)
	_, err := loader.Load(context.Background(), path, false)
	require.NoError(t, err)
}

func TestLoad_MissingRequiredKey_Rejected(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, `
slavePortnum: 9989
builders:
  - name: b1
    slavenames: [s1]
schedulers:
  - name: all
    builders: [b1]
`)
	loader := New(dir, nil)
	_, err := loader.Load(context.Background(), path, false)
	require.Error(t, err)
}

func TestSafeTranslate(t *testing.T) {
	require.Equal(t, "b1", safeTranslate("b1"))
	require.Equal(t, "my_builder_1", safeTranslate("my builder#1"))
}
