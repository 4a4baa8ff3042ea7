package influxdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/influxdata/influxdb-client-go/v2/domain"
)

// FindBucket resolves a bucket name to its identifier within org.
//
// Zero matches yields ErrBucketNotFound and more than one yields
// ErrAmbiguousBucket. Both are misconfiguration and should not be retried.
// Other failures are classified with Classify.
func (c *Client) FindBucket(ctx context.Context, org, name string) (Bucket, error) {
	params := &domain.GetBucketsParams{
		Org:  &org,
		Name: &name,
	}

	resp, err := c.client.APIClient().GetBuckets(ctx, params)
	if err != nil {
		if isNotFound(err) {
			// An unknown org is reported as 404 on the listing itself.
			return Bucket{}, fmt.Errorf("%w: %q in org %q: %w", ErrBucketNotFound, name, org, err)
		}
		return Bucket{}, fmt.Errorf("listing buckets: %w", Classify(err))
	}

	var matches []domain.Bucket
	if resp != nil && resp.Buckets != nil {
		for _, b := range *resp.Buckets {
			if b.Name == name {
				matches = append(matches, b)
			}
		}
	}

	switch len(matches) {
	case 0:
		return Bucket{}, fmt.Errorf("%w: %q in org %q", ErrBucketNotFound, name, org)
	case 1:
	default:
		return Bucket{}, fmt.Errorf("%w: %d buckets named %q in org %q", ErrAmbiguousBucket, len(matches), name, org)
	}

	b := matches[0]
	if b.Id == nil || *b.Id == "" {
		return Bucket{}, fmt.Errorf("%w: bucket %q has no id", ErrBucketNotFound, name)
	}

	bucket := Bucket{Name: b.Name, Org: org, ID: *b.Id}
	if b.OrgID != nil {
		bucket.OrgID = *b.OrgID
	}
	return bucket, nil
}

// CreateBucketToken mints a token allowed to read and write exactly one bucket.
//
// Every call creates a new authorization; nothing is deduplicated.
func (c *Client) CreateBucketToken(ctx context.Context, bucket Bucket, description string) (Token, error) {
	resource := domain.Resource{
		Type:  domain.ResourceTypeBuckets,
		Id:    &bucket.ID,
		OrgID: &bucket.OrgID,
	}
	perms := []domain.Permission{
		{Action: domain.PermissionActionRead, Resource: resource},
		{Action: domain.PermissionActionWrite, Resource: resource},
	}

	auth := &domain.Authorization{
		AuthorizationUpdateRequest: domain.AuthorizationUpdateRequest{
			Description: &description,
		},
		OrgID:       &bucket.OrgID,
		Permissions: &perms,
	}

	created, err := c.client.AuthorizationsAPI().CreateAuthorization(ctx, auth)
	if err != nil {
		return "", fmt.Errorf("creating authorization: %w", Classify(err))
	}
	if created == nil || created.Token == nil || *created.Token == "" {
		return "", fmt.Errorf("creating authorization: %w: response carried no token", ErrRequestRejected)
	}

	return Token(*created.Token), nil
}

func isNotFound(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, string(domain.ErrorCodeNotFound)) || strings.HasPrefix(msg, "404")
}
