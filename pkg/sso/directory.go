package sso

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/tenantgate/pkg/apperr"
)

const userSelect = "id,displayName,mail,userPrincipalName,jobTitle,department,accountEnabled,userType"

// DirectoryClient reads users and group memberships from a Graph-style
// directory API. Every request waits on the shared rate limiter.
type DirectoryClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewDirectoryClient returns a client that authenticates with tokens from ts
// and inherits base's transport and timeout.
func NewDirectoryClient(baseURL string, base *http.Client, ts oauth2.TokenSource, limiter *rate.Limiter) *DirectoryClient {
	if base == nil {
		base = http.DefaultClient
	}
	return &DirectoryClient{
		baseURL: baseURL,
		http: &http.Client{
			Transport: &oauth2.Transport{Source: ts, Base: base.Transport},
			Timeout:   base.Timeout,
		},
		limiter: limiter,
	}
}

// NewLimiter builds the directory rate limiter. rps <= 0 disables limiting.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

type page[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

type directoryObject struct {
	Type        string `json:"@odata.type"`
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

func (c *DirectoryClient) get(ctx context.Context, rawURL string, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.ExternalService("directory", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperr.ExternalService("directory",
			fmt.Errorf("GET %s returned %d: %s", req.URL.Path, resp.StatusCode, body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.ExternalService("directory", fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// listAll follows @odata.nextLink until it is absent.
func listAll[T any](ctx context.Context, c *DirectoryClient, first string) ([]T, error) {
	var all []T
	next := first
	for next != "" {
		var p page[T]
		if err := c.get(ctx, next, &p); err != nil {
			return nil, err
		}
		all = append(all, p.Value...)
		next = p.NextLink
	}
	return all, nil
}

// Me returns the signed-in user's profile.
func (c *DirectoryClient) Me(ctx context.Context) (*DirectoryUser, error) {
	var u DirectoryUser
	if err := c.get(ctx, c.baseURL+"/me?$select="+userSelect, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Users pages through every directory user.
func (c *DirectoryClient) Users(ctx context.Context) ([]DirectoryUser, error) {
	return listAll[DirectoryUser](ctx, c, c.baseURL+"/users?$select="+userSelect)
}

// MemberOf returns the display names of the groups a user belongs to. An
// empty userID means the signed-in user.
func (c *DirectoryClient) MemberOf(ctx context.Context, userID string) ([]string, error) {
	path := "/me/memberOf"
	if userID != "" {
		path = "/users/" + url.PathEscape(userID) + "/memberOf"
	}
	objects, err := listAll[directoryObject](ctx, c, c.baseURL+path)
	if err != nil {
		return nil, err
	}
	groups := []string{}
	for _, o := range objects {
		if o.Type != "" && o.Type != "#microsoft.graph.group" {
			continue
		}
		if o.DisplayName != "" {
			groups = append(groups, o.DisplayName)
		}
	}
	return groups, nil
}
