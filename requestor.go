package ttclient

import (
	"encoding/json"
	"io/ioutil"
	"net/http"

	"github.com/gregjones/httpcache"
)

// Polling resource paths
const (
	LatestFlagsPath    = "/sdk/latest-flags"
	LatestSegmentsPath = "/sdk/latest-segments"
	LatestAllPath      = "/sdk/latest-all"
)

// requestor is a stateless wrapper for the one-shot HTTP GET requests made by the polling data
// source (and by the streaming data source for indirect patch events). Responses are cached by
// ETag, so an unchanged resource costs only a 304 round trip.
type requestor struct {
	sdkKey     string
	httpClient *http.Client
	config     Config
}

func newRequestor(sdkKey string, config Config) *requestor {
	baseClient := config.newHTTPClient()

	cachingTransport := &httpcache.Transport{
		Cache:               httpcache.NewMemoryCache(),
		MarkCachedResponses: true,
		Transport:           baseClient.Transport,
	}

	httpRequestor := requestor{
		sdkKey:     sdkKey,
		httpClient: cachingTransport.Client(),
		config:     config,
	}

	return &httpRequestor
}

// requestAll fetches the complete flag/segment data set. The second return value is true if the
// response was served from the ETag cache (304), meaning the data has not changed since the
// last request.
func (r *requestor) requestAll() (allData, bool, error) {
	var data allData
	body, cached, err := r.makeRequest(LatestAllPath)
	if err != nil {
		return allData{}, false, err
	}
	if cached {
		return allData{}, true, nil
	}
	jsonErr := json.Unmarshal(body, &data)

	if jsonErr != nil {
		return allData{}, false, jsonErr
	}
	return data, cached, nil
}

func (r *requestor) requestFlag(key string) (*FeatureFlag, error) {
	var flag FeatureFlag
	resource := LatestFlagsPath + "/" + key
	body, _, err := r.makeRequest(resource)
	if err != nil {
		return nil, err
	}

	jsonErr := json.Unmarshal(body, &flag)

	if jsonErr != nil {
		return nil, jsonErr
	}
	return &flag, nil
}

func (r *requestor) requestSegment(key string) (*Segment, error) {
	var segment Segment
	resource := LatestSegmentsPath + "/" + key
	body, _, err := r.makeRequest(resource)
	if err != nil {
		return nil, err
	}

	jsonErr := json.Unmarshal(body, &segment)

	if jsonErr != nil {
		return nil, jsonErr
	}
	return &segment, nil
}

func (r *requestor) makeRequest(resource string) ([]byte, bool, error) {
	req, reqErr := http.NewRequest("GET", r.config.BaseUri+resource, nil)
	if reqErr != nil {
		return nil, false, reqErr
	}
	url := req.URL.String()

	req.Header.Add("Authorization", r.sdkKey)
	req.Header.Add("User-Agent", r.config.UserAgent)

	res, resErr := r.httpClient.Do(req)

	defer func() {
		if res != nil && res.Body != nil {
			_, _ = ioutil.ReadAll(res.Body)
			_ = res.Body.Close()
		}
	}()

	if resErr != nil {
		return nil, false, resErr
	}

	if err := checkStatusCode(res.StatusCode, url); err != nil {
		return nil, false, err
	}

	cached := res.Header.Get(httpcache.XFromCache) != ""

	body, ioErr := ioutil.ReadAll(res.Body)

	if ioErr != nil {
		return nil, false, ioErr
	}
	return body, cached, nil
}
