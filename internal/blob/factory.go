package blob

import (
	"context"
	"fmt"
	"os"

	"dosecore/internal/infra/blob/fs"
	"dosecore/internal/infra/blob/memory"
	"dosecore/internal/infra/blob/s3"
)

// Open selects a blob.Store implementation using environment variables.
//
//	DOSECORE_BLOB_DRIVER: fs|s3|memory (default fs)
//	DOSECORE_BLOB_FS_ROOT: directory root when driver=fs (default ./reportdata)
//	(S3 specific variables documented in the s3 package)
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv("DOSECORE_BLOB_DRIVER")
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		return fs.New(os.Getenv("DOSECORE_BLOB_FS_ROOT"))
	case DriverS3:
		return s3.OpenFromEnv(ctx)
	case DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
