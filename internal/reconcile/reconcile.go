// Package reconcile implements the primary-vs-secondary drift detector.
package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/heliosfhir/fhirstore/internal/fhircontent"
	"github.com/heliosfhir/fhirstore/internal/fhirmodel"
	"github.com/heliosfhir/fhirstore/internal/searchquery"
	"github.com/heliosfhir/fhirstore/internal/storage"
	"github.com/heliosfhir/fhirstore/internal/tenant"
)

// defaultPageSize bounds how many primary resources a full reconciliation
// pass reads per Search call.
const defaultPageSize = 200

// Report is reconcile's result shape: primary_count, secondary_count,
// differences, missing_in_secondary, extra_in_secondary and
// content_mismatches.
type Report struct {
	ResourceType       string
	PrimaryCount       int64
	SecondaryCount     int64
	Differences        int
	MissingInSecondary []fhirmodel.Key
	ExtraInSecondary   []fhirmodel.Key
	ContentMismatches  []fhirmodel.Key
}

func (r Report) InSync() bool {
	return r.Differences == 0 && r.PrimaryCount == r.SecondaryCount
}

// QuickCount compares only the result totals primary and secondary each
// report for rt.
func QuickCount(ctx context.Context, tc tenant.Context, primary, secondary storage.Backend, rt string) (Report, error) {
	primaryTotal, err := countOf(ctx, tc, primary, rt)
	if err != nil {
		return Report{}, fmt.Errorf("reconcile: primary count: %w", err)
	}

	secondaryTotal, err := countOf(ctx, tc, secondary, rt)
	if err != nil {
		return Report{}, fmt.Errorf("reconcile: secondary count: %w", err)
	}

	report := Report{
		ResourceType:   rt,
		PrimaryCount:   primaryTotal,
		SecondaryCount: secondaryTotal,
	}

	if primaryTotal != secondaryTotal {
		report.Differences = 1
	}

	return report, nil
}

func countOf(ctx context.Context, tc tenant.Context, backend storage.Backend, rt string) (int64, error) {
	result, err := backend.Search(ctx, tc, searchquery.Query{
		ResourceType: rt,
		Count:        0,
		TotalMode:    searchquery.TotalAccurate,
	})
	if err != nil {
		return 0, err
	}

	if result.Total != nil {
		return *result.Total, nil
	}

	return int64(len(result.Resources)), nil
}

// Full walks every primary resource of type rt, probes secondary by key,
// and compares content digests.
func Full(ctx context.Context, tc tenant.Context, primary, secondary storage.Backend, rt string) (Report, error) {
	report := Report{ResourceType: rt}

	secondaryKeys := make(map[fhirmodel.Key]struct{})

	var cursor *searchquery.Cursor

	for {
		page, err := primary.Search(ctx, tc, searchquery.Query{
			ResourceType: rt,
			Count:        defaultPageSize,
			Cursor:       cursor,
			TotalMode:    searchquery.TotalAccurate,
		})
		if err != nil {
			return Report{}, fmt.Errorf("reconcile: primary search: %w", err)
		}

		if page.Total != nil {
			report.PrimaryCount = *page.Total
		} else {
			report.PrimaryCount += int64(len(page.Resources))
		}

		for _, r := range page.Resources {
			key := fhirmodel.KeyOf(r)

			secondaryResource, err := secondary.Read(ctx, tc, key.ResourceType, key.ID)
			if err != nil {
				report.MissingInSecondary = append(report.MissingInSecondary, key)
				report.Differences++

				continue
			}

			secondaryKeys[key] = struct{}{}

			primaryDigest, err := digest(r.Content)
			if err != nil {
				return Report{}, fmt.Errorf("reconcile: digest primary %s: %w", key, err)
			}

			secondaryDigest, err := digest(secondaryResource.Content)
			if err != nil {
				return Report{}, fmt.Errorf("reconcile: digest secondary %s: %w", key, err)
			}

			if primaryDigest != secondaryDigest {
				report.ContentMismatches = append(report.ContentMismatches, key)
				report.Differences++
			}
		}

		if ctx.Err() != nil {
			return Report{}, ctx.Err()
		}

		if page.Next == nil {
			break
		}

		cursor = page.Next
	}

	secondaryTotal, err := countOf(ctx, tc, secondary, rt)
	if err != nil {
		return Report{}, fmt.Errorf("reconcile: secondary count: %w", err)
	}

	report.SecondaryCount = secondaryTotal

	if secondaryTotal > int64(len(secondaryKeys)) {
		extra, err := extraKeys(ctx, tc, secondary, rt, secondaryKeys)
		if err != nil {
			return Report{}, fmt.Errorf("reconcile: extra-in-secondary search: %w", err)
		}

		report.ExtraInSecondary = extra
		report.Differences += len(extra)
	}

	return report, nil
}

// extraKeys lists every secondary resource of type rt whose key was not
// seen while walking primary, i.e. resources secondary holds that primary
// does not.
func extraKeys(ctx context.Context, tc tenant.Context, secondary storage.Backend, rt string, seen map[fhirmodel.Key]struct{}) ([]fhirmodel.Key, error) {
	var extra []fhirmodel.Key

	var cursor *searchquery.Cursor

	for {
		page, err := secondary.Search(ctx, tc, searchquery.Query{
			ResourceType: rt,
			Count:        defaultPageSize,
			Cursor:       cursor,
		})
		if err != nil {
			return nil, err
		}

		for _, r := range page.Resources {
			key := fhirmodel.KeyOf(r)
			if _, ok := seen[key]; !ok {
				extra = append(extra, key)
			}
		}

		if page.Next == nil {
			break
		}

		cursor = page.Next
	}

	return extra, nil
}

func digest(n fhircontent.Node) (string, error) {
	raw, err := fhircontent.Marshal(n)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(raw)

	return hex.EncodeToString(sum[:]), nil
}
