// Package filedata allows the ToggleTree client to read feature flag data from a file or
// files, rather than connecting to ToggleTree. This is intended for testing and local
// development.
//
// Files may contain either JSON or YAML; if the first non-whitespace character is '{', the file
// is parsed as JSON, otherwise it is parsed as YAML. The file data should consist of an object
// with up to three properties:
//
// - "flags": Full feature flag definitions.
//
// - "flagValues": Simplified feature flags that contain only a value, which will be returned
// for all users.
//
// - "segments": User segment definitions.
//
// The full format of the data in "flags" and "segments" matches what the ToggleTree polling
// endpoints return, so the simplest way to produce a file with complex flag behavior is to
// capture real flag data:
//
//	curl -H "Authorization: <your sdk key>" https://app.toggletree.com/sdk/latest-all
//
// In many cases you will not need this complexity, but will just want to set specific flag keys
// to specific values. For that, use the simpler format:
//
//	{
//	  "flagValues": {
//	    "my-string-flag-key": "value-1",
//	    "my-boolean-flag-key": true,
//	    "my-integer-flag-key": 3
//	  }
//	}
//
// It is possible to specify both "flags" and "flagValues", if you want some flags to have
// simple values and others to have complex behavior. However, it is an error to use the same
// flag key or segment key more than once, either in a single file or across multiple files.
//
// To use the file data source, store the factory in the DataSource property of your client
// configuration before creating the client:
//
//	config := ttclient.DefaultConfig
//	config.DataSource = filedata.NewFileDataSourceFactory(
//	    filedata.FilePaths("./test-data/my-flags.json"))
//	client, err := ttclient.MakeCustomClient(sdkKey, config, 5*time.Second)
//
// For automatic reloading when the files change, add the filewatch package:
//
//	config.DataSource = filedata.NewFileDataSourceFactory(
//	    filedata.FilePaths("./test-data/my-flags.json"),
//	    filedata.UseReloader(filewatch.WatchFiles))
package filedata

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"gopkg.in/ghodss/yaml.v1"

	tt "github.com/toggletree/go-server-sdk"
)

// ReloaderFactory is the type of the function provided by the filewatch package, which sets up
// a mechanism for detecting file changes. The reload function is called whenever any of the
// files may have changed; closeCh is closed when the data source is closed.
type ReloaderFactory func(paths []string, logger tt.Logger, reload func(), closeCh <-chan struct{}) error

// FileDataSourceOption is the interface for optional configuration parameters that can be
// passed to NewFileDataSourceFactory. These include FilePaths, FileSourceLogger, and
// UseReloader.
type FileDataSourceOption interface {
	apply(fs *fileDataSource) error
}

type filePathsOption struct {
	paths []string
}

func (o filePathsOption) apply(fs *fileDataSource) error {
	abs, err := absFilePaths(o.paths)
	if err != nil {
		return err
	}
	fs.absFilePaths = append(fs.absFilePaths, abs...)
	return nil
}

// FilePaths creates an option for NewFileDataSourceFactory, to specify the input data files.
// The paths may be any number of absolute or relative file paths.
func FilePaths(paths ...string) FileDataSourceOption {
	return filePathsOption{paths}
}

type loggerOption struct {
	logger tt.Logger
}

func (o loggerOption) apply(fs *fileDataSource) error {
	fs.logger = o.logger
	return nil
}

// FileSourceLogger creates an option for NewFileDataSourceFactory, to specify where to send
// log output. If not specified, the client configuration's logger is used.
func FileSourceLogger(logger tt.Logger) FileDataSourceOption {
	return loggerOption{logger}
}

type reloaderOption struct {
	factory ReloaderFactory
}

func (o reloaderOption) apply(fs *fileDataSource) error {
	fs.reloaderFactory = o.factory
	return nil
}

// UseReloader creates an option for NewFileDataSourceFactory, to cause the data source to
// reload its files whenever they change. Pass filewatch.WatchFiles as the parameter. The two
// packages are separate so as to avoid bringing in the file watching dependency for users who
// do not need automatic reloading.
func UseReloader(factory ReloaderFactory) FileDataSourceOption {
	return reloaderOption{factory}
}

// fileDataSource implements ttclient.UpdateProcessor by reading flag data from files.
type fileDataSource struct {
	store           tt.FeatureStore
	logger          tt.Logger
	absFilePaths    []string
	reloaderFactory ReloaderFactory
	isInitialized   bool
	readyOnce       sync.Once
	closeOnce       sync.Once
	closeCh         chan struct{}
}

// NewFileDataSourceFactory returns a factory for the file data source, to be stored in the
// DataSource property of the client configuration. The files are not actually loaded until the
// client starts up. At that point, if any file does not exist or cannot be parsed, the data
// source will log an error and will not load any data.
func NewFileDataSourceFactory(options ...FileDataSourceOption) tt.UpdateProcessorFactory {
	return func(sdkKey string, config tt.Config) (tt.UpdateProcessor, error) {
		fs := &fileDataSource{
			store:   config.FeatureStore,
			logger:  config.Logger,
			closeCh: make(chan struct{}),
		}
		for _, o := range options {
			if err := o.apply(fs); err != nil {
				return nil, err
			}
		}
		if fs.store == nil {
			return nil, fmt.Errorf("config.FeatureStore must not be nil")
		}
		if fs.logger == nil {
			fs.logger = log.New(os.Stderr, "[ToggleTree FileDataSource] ", log.LstdFlags)
		}
		return fs, nil
	}
}

// Initialized is used internally by the client.
func (fs *fileDataSource) Initialized() bool {
	return fs.isInitialized
}

// Start is used internally by the client.
func (fs *fileDataSource) Start(closeWhenReady chan<- struct{}) {
	fs.reload(closeWhenReady)

	// If there is no reloader, then we signal readiness immediately regardless of whether the
	// data load succeeded (a failed load will not fix itself). If there is a reloader, we hold
	// off on signaling until the first successful load or until the reloader fails to start.
	if fs.reloaderFactory == nil {
		fs.signalReady(closeWhenReady)
		return
	}

	err := fs.reloaderFactory(fs.absFilePaths, fs.logger,
		func() { fs.reload(closeWhenReady) }, fs.closeCh)
	if err != nil {
		fs.logger.Printf("ERROR: Unable to start reloader: %s", err)
		fs.signalReady(closeWhenReady)
	}
}

func (fs *fileDataSource) reload(closeWhenReady chan<- struct{}) {
	if err := fs.loadAll(); err != nil {
		fs.logger.Printf("ERROR: Unable to load flags: %s", err)
		if fs.reloaderFactory == nil {
			// No reloader means there will be no retry
			fs.signalReady(closeWhenReady)
		}
		return
	}
	fs.isInitialized = true
	fs.signalReady(closeWhenReady)
}

func (fs *fileDataSource) signalReady(closeWhenReady chan<- struct{}) {
	fs.readyOnce.Do(func() { close(closeWhenReady) })
}

func (fs *fileDataSource) loadAll() error {
	filesData := make([]fileData, 0)
	for _, path := range fs.absFilePaths {
		data, err := readFile(path)
		if err != nil {
			return fmt.Errorf("%s [%s]", err, path)
		}
		filesData = append(filesData, data)
	}
	storeData, err := mergeFileData(filesData...)
	if err == nil {
		err = fs.store.Init(storeData)
	}
	return err
}

// Close is called automatically when the client is closed.
func (fs *fileDataSource) Close() error {
	fs.closeOnce.Do(func() { close(fs.closeCh) })
	return nil
}

func absFilePaths(paths []string) ([]string, error) {
	absPaths := make([]string, 0)
	for _, p := range paths {
		absPath, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("unable to determine absolute path for '%s'", p)
		}
		absPaths = append(absPaths, absPath)
	}
	return absPaths, nil
}

type fileData struct {
	Flags      *map[string]tt.FeatureFlag
	FlagValues *map[string]interface{}
	Segments   *map[string]tt.Segment
}

func readFile(path string) (fileData, error) {
	var data fileData
	rawData, err := ioutil.ReadFile(path) // nolint:gosec // G304: ok to read file into variable
	if err != nil {
		return data, fmt.Errorf("unable to read file: %s", err)
	}
	if detectJSON(rawData) {
		err = json.Unmarshal(rawData, &data)
	} else {
		err = yaml.Unmarshal(rawData, &data)
	}
	if err != nil {
		err = fmt.Errorf("error parsing file: %s", err)
	}
	return data, err
}

func detectJSON(rawData []byte) bool {
	// A valid JSON file for our purposes must be an object, i.e. it must start with '{'
	return strings.HasPrefix(strings.TrimLeftFunc(string(rawData), unicode.IsSpace), "{")
}

func insertData(all map[tt.VersionedDataKind]map[string]tt.VersionedData, kind tt.VersionedDataKind, key string,
	data tt.VersionedData) error {
	if _, exists := all[kind][key]; exists {
		return fmt.Errorf("%s '%s' is specified by multiple files", kind.GetNamespace(), key)
	}
	all[kind][key] = data
	return nil
}

func mergeFileData(allFileData ...fileData) (map[tt.VersionedDataKind]map[string]tt.VersionedData, error) {
	all := map[tt.VersionedDataKind]map[string]tt.VersionedData{
		tt.Features: {},
		tt.Segments: {},
	}
	for _, d := range allFileData {
		if d.Flags != nil {
			for key, f := range *d.Flags {
				data := f
				if err := insertData(all, tt.Features, key, &data); err != nil {
					return nil, err
				}
			}
		}
		if d.FlagValues != nil {
			for key, f := range *d.FlagValues {
				zeroVariation := 0
				data := tt.FeatureFlag{
					Key:         key,
					Variations:  []interface{}{f},
					On:          true,
					Fallthrough: tt.VariationOrRollout{Variation: &zeroVariation},
				}
				if err := insertData(all, tt.Features, key, &data); err != nil {
					return nil, err
				}
			}
		}
		if d.Segments != nil {
			for key, s := range *d.Segments {
				data := s
				if err := insertData(all, tt.Segments, key, &data); err != nil {
					return nil, err
				}
			}
		}
	}
	return all, nil
}
