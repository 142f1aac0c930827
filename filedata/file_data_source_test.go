package filedata

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tt "github.com/toggletree/go-server-sdk"
)

const flagOnlyJSON = `{
	"flags": {
		"flag1": {
			"key": "flag1",
			"on": true,
			"fallthrough": {"variation": 2},
			"variations": ["fall", "off", "on"]
		}
	}
}`

const flagValuesJSON = `{
	"flagValues": {
		"flag2": "value2"
	}
}`

const segmentOnlyJSON = `{
	"segments": {
		"seg1": {
			"key": "seg1",
			"included": ["user1"]
		}
	}
}`

const allPropertiesYAML = `
flags:
  flag1:
    key: flag1
    "on": true
    fallthrough:
      variation: 2
    variations:
      - fall
      - "off"
      - "on"
flagValues:
  flag2: value2
segments:
  seg1:
    key: seg1
    included: ["user1"]
`

func makeTempFile(t *testing.T, content string) string {
	f, err := ioutil.TempFile("", "filedata-test")
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func startDataSource(t *testing.T, store tt.FeatureStore, options ...FileDataSourceOption) tt.UpdateProcessor {
	factory := NewFileDataSourceFactory(options...)
	config := tt.DefaultConfig
	config.FeatureStore = store
	config.Logger = nullLogger()
	dataSource, err := factory("", config)
	require.NoError(t, err)
	closeWhenReady := make(chan struct{})
	dataSource.Start(closeWhenReady)
	<-closeWhenReady
	return dataSource
}

func nullLogger() tt.Logger {
	return nullLog{}
}

type nullLog struct{}

func (n nullLog) Println(args ...interface{})            {}
func (n nullLog) Printf(fmt string, args ...interface{}) {}

func TestNewFileDataSourceWithJSONFlags(t *testing.T) {
	path := makeTempFile(t, flagOnlyJSON)
	defer os.Remove(path)

	store := tt.NewInMemoryFeatureStore(nullLogger())
	dataSource := startDataSource(t, store, FilePaths(path))
	defer dataSource.Close()

	require.True(t, dataSource.Initialized())
	require.True(t, store.Initialized())

	flags, err := store.All(tt.Features)
	require.NoError(t, err)
	require.Equal(t, 1, len(flags))
	flag, _ := flags["flag1"].(*tt.FeatureFlag)
	require.NotNil(t, flag)
	assert.True(t, flag.On)
}

func TestNewFileDataSourceWithFlagValues(t *testing.T) {
	path := makeTempFile(t, flagValuesJSON)
	defer os.Remove(path)

	store := tt.NewInMemoryFeatureStore(nullLogger())
	dataSource := startDataSource(t, store, FilePaths(path))
	defer dataSource.Close()

	flags, err := store.All(tt.Features)
	require.NoError(t, err)
	require.Equal(t, 1, len(flags))
	flag, _ := flags["flag2"].(*tt.FeatureFlag)
	require.NotNil(t, flag)
	assert.True(t, flag.On)
	assert.Equal(t, []interface{}{"value2"}, flag.Variations)
}

func TestNewFileDataSourceWithSegments(t *testing.T) {
	path := makeTempFile(t, segmentOnlyJSON)
	defer os.Remove(path)

	store := tt.NewInMemoryFeatureStore(nullLogger())
	dataSource := startDataSource(t, store, FilePaths(path))
	defer dataSource.Close()

	segments, err := store.All(tt.Segments)
	require.NoError(t, err)
	require.Equal(t, 1, len(segments))
	segment, _ := segments["seg1"].(*tt.Segment)
	require.NotNil(t, segment)
	assert.Equal(t, []string{"user1"}, segment.Included)
}

func TestNewFileDataSourceWithYAML(t *testing.T) {
	path := makeTempFile(t, allPropertiesYAML)
	defer os.Remove(path)

	store := tt.NewInMemoryFeatureStore(nullLogger())
	dataSource := startDataSource(t, store, FilePaths(path))
	defer dataSource.Close()

	require.True(t, dataSource.Initialized())
	flags, err := store.All(tt.Features)
	require.NoError(t, err)
	assert.Equal(t, 2, len(flags))
	segments, err := store.All(tt.Segments)
	require.NoError(t, err)
	assert.Equal(t, 1, len(segments))
}

func TestNewFileDataSourceCanLoadMultipleFiles(t *testing.T) {
	path1 := makeTempFile(t, flagOnlyJSON)
	defer os.Remove(path1)
	path2 := makeTempFile(t, segmentOnlyJSON)
	defer os.Remove(path2)

	store := tt.NewInMemoryFeatureStore(nullLogger())
	dataSource := startDataSource(t, store, FilePaths(path1, path2))
	defer dataSource.Close()

	flags, err := store.All(tt.Features)
	require.NoError(t, err)
	assert.Equal(t, 1, len(flags))
	segments, err := store.All(tt.Segments)
	require.NoError(t, err)
	assert.Equal(t, 1, len(segments))
}

func TestNewFileDataSourceDuplicateKeysAcrossFilesAreAnError(t *testing.T) {
	path1 := makeTempFile(t, flagOnlyJSON)
	defer os.Remove(path1)
	path2 := makeTempFile(t, flagOnlyJSON)
	defer os.Remove(path2)

	store := tt.NewInMemoryFeatureStore(nullLogger())
	dataSource := startDataSource(t, store, FilePaths(path1, path2))
	defer dataSource.Close()

	assert.False(t, dataSource.Initialized())
	assert.False(t, store.Initialized())
}

func TestNewFileDataSourceMissingFileIsAnError(t *testing.T) {
	store := tt.NewInMemoryFeatureStore(nullLogger())
	dataSource := startDataSource(t, store, FilePaths("no-such-file.json"))
	defer dataSource.Close()

	assert.False(t, dataSource.Initialized())
	assert.False(t, store.Initialized())
}

func TestNewFileDataSourceMalformedFileIsAnError(t *testing.T) {
	path := makeTempFile(t, `{"flags": `)
	defer os.Remove(path)

	store := tt.NewInMemoryFeatureStore(nullLogger())
	dataSource := startDataSource(t, store, FilePaths(path))
	defer dataSource.Close()

	assert.False(t, dataSource.Initialized())
	assert.False(t, store.Initialized())
}

func TestFlagsAreEvaluatableAfterLoading(t *testing.T) {
	path := makeTempFile(t, flagOnlyJSON)
	defer os.Remove(path)

	store := tt.NewInMemoryFeatureStore(nullLogger())
	config := tt.DefaultConfig
	config.FeatureStore = store
	config.Logger = nullLogger()
	config.SendEvents = false
	config.DataSource = NewFileDataSourceFactory(FilePaths(path))

	client, err := tt.MakeCustomClient("sdk-key", config, 0)
	require.NoError(t, err)
	defer client.Close()

	value, err := client.StringVariation("flag1", tt.NewUser("userkey"), "default")
	require.NoError(t, err)
	assert.Equal(t, "on", value)
}
