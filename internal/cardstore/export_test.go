package cardstore

import "github.com/kpauljoseph/merkwerk/pkg/logger"

type ObjectBucket = objectBucket

var (
	ErrObjectNotFound    = errObjectNotFound
	IsPreconditionFailed = isPreconditionFailed
)

func NewGCSStoreWithBucket(bucket ObjectBucket, prefix string) *GCSStore {
	return newGCSStore(bucket, prefix, logger.Nop())
}
