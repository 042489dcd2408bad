package storage

import (
	"fmt"
	"path"
	"strings"

	"github.com/openctemio/scanworker/pkg/domain/scanjob"
)

// DefaultPrefix is the key prefix every artifact lives under.
const DefaultPrefix = "scan-results"

const locatorScheme = "s3://"

// Keys are the object locations of one job's artifacts.
type Keys struct {
	Bucket string
	JSON   string
	Report string
	Raw    string
}

// ResolveKeys returns where a job's artifacts go. A job's ResultBucket and
// ResultPath override the defaults; report and raw keys follow the JSON key.
func ResolveKeys(bucket, prefix string, job *scanjob.ScanJob) Keys {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if job.ResultBucket != "" {
		bucket = job.ResultBucket
	}

	jsonKey := path.Join(prefix, job.UserID, job.ID+".json")
	if p := strings.TrimPrefix(job.ResultPath, "/"); p != "" {
		jsonKey = p
		if !strings.HasSuffix(jsonKey, ".json") {
			jsonKey += ".json"
		}
	}
	base := strings.TrimSuffix(jsonKey, ".json")

	return Keys{
		Bucket: bucket,
		JSON:   jsonKey,
		Report: base + ".pdf",
		Raw:    base + ".raw.json",
	}
}

// Locator formats the durable locator of an object.
func Locator(bucket, key string) string {
	return locatorScheme + bucket + "/" + key
}

// ParseLocator splits an s3:// locator into bucket and key.
func ParseLocator(locator string) (string, string, error) {
	rest, ok := strings.CutPrefix(locator, locatorScheme)
	if !ok {
		return "", "", fmt.Errorf("locator %q is not an s3:// url", locator)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("locator %q has no bucket or key", locator)
	}
	return bucket, key, nil
}
