package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/execution-service/internal/domain/execution"
)

var _ execution.AssetService = (*AssetClient)(nil)

// AssetClient reads assets from the asset service.
type AssetClient struct{ c *jsonClient }

// NewAssetClient creates a client for the asset service at baseURL.
func NewAssetClient(baseURL string, httpClient *http.Client, tracer trace.Tracer) *AssetClient {
	return &AssetClient{c: &jsonClient{baseURL: baseURL, httpClient: httpClient, tracer: tracer}}
}

type assetResponse struct {
	AssetID   string `json:"asset_id"`
	AssetName string `json:"asset_name"`
	AssetType string `json:"asset_type"`
	Vendor    string `json:"vendor"`
	IsActive  bool   `json:"is_active"`
	IsCovered bool   `json:"is_covered"`
}

// GetAsset fetches one asset of a tenant. A 404 yields execution.ErrNotFound.
func (a *AssetClient) GetAsset(ctx context.Context, tenantID, assetID string) (*execution.Asset, error) {
	var resp assetResponse
	err := a.c.do(ctx, "asset_client.get_asset", http.MethodGet, "/assets/"+url.PathEscape(assetID),
		http.Header{"Tenant-Id": {tenantID}}, nil, &resp)
	switch {
	case isStatus(err, http.StatusNotFound):
		return nil, fmt.Errorf("asset %s: %w", assetID, execution.ErrNotFound)
	case err != nil:
		return nil, &execution.DependencyFailureError{Dependency: "asset-service", Err: err}
	}
	return &execution.Asset{
		ID:        resp.AssetID,
		Name:      resp.AssetName,
		Type:      resp.AssetType,
		Vendor:    resp.Vendor,
		IsActive:  resp.IsActive,
		IsCovered: resp.IsCovered,
	}, nil
}
