package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/odvcencio/parami/pkg/errors"
	"github.com/odvcencio/parami/pkg/model"
)

// Well-known document paths relative to the base URL.
const (
	metadataPath  = "metadata.json"
	paramisPath   = "paramis.json"
	practicesPath = "practices.json"
)

const defaultTimeout = 15 * time.Second

// practiceSetDoc is the wire shape of one practice-set document.
type practiceSetDoc struct {
	ParamiID int                   `json:"paramiId"`
	Entries  []model.PracticeEntry `json:"entries"`
}

// HTTPSource fetches content documents over HTTP.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates a source rooted at baseURL.
func NewHTTPSource(baseURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (s *HTTPSource) Metadata(ctx context.Context) (*model.RemoteMetadata, error) {
	var meta model.RemoteMetadata
	if err := s.getJSON(ctx, metadataPath, &meta); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeRemoteMetadata, "failed to fetch metadata document")
	}
	return &meta, nil
}

func (s *HTTPSource) Paramis(ctx context.Context) ([]model.Parami, error) {
	var paramis []model.Parami
	if err := s.getJSON(ctx, paramisPath, &paramis); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeRemoteFetch, "failed to fetch parami collection")
	}
	return paramis, nil
}

func (s *HTTPSource) PracticeSets(ctx context.Context) (map[int][]model.PracticeEntry, error) {
	var docs []practiceSetDoc
	if err := s.getJSON(ctx, practicesPath, &docs); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeRemoteFetch, "failed to fetch practice sets")
	}

	sets := make(map[int][]model.PracticeEntry, len(docs))
	for _, doc := range docs {
		sets[doc.ParamiID] = doc.Entries
	}
	return sets, nil
}

func (s *HTTPSource) getJSON(ctx context.Context, path string, out any) error {
	url := s.baseURL + "/" + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
