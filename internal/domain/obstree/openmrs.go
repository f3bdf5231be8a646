package obstree

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OpenMRSClient reads obstree documents from an OpenMRS REST endpoint.
type OpenMRSClient struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

// NewOpenMRSClient returns a client for baseURL, e.g.
// "https://emr.example.org/openmrs". Empty credentials disable basic auth.
func NewOpenMRSClient(baseURL, username, password string, timeout time.Duration) *OpenMRSClient {
	return &OpenMRSClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *OpenMRSClient) FetchTree(ctx context.Context, patientID uuid.UUID, conceptUUID string) (*RawNode, error) {
	q := url.Values{}
	q.Set("patient", patientID.String())
	q.Set("concept", conceptUUID)
	endpoint := c.baseURL + "/ws/rest/v1/obstree?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build obstree request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET obstree: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrTreeNotFound
	default:
		return nil, fmt.Errorf("obstree endpoint returned status %d", resp.StatusCode)
	}

	var tree RawNode
	if err := json.NewDecoder(resp.Body).Decode(&tree); err != nil {
		return nil, fmt.Errorf("decoding obstree response: %w", err)
	}
	return &tree, nil
}
