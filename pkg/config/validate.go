package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/marmos91/pwlog/internal/bytesize"
	"github.com/marmos91/pwlog/pkg/writelog"
)

// Validate checks the configuration for errors beyond what struct tags
// express. Returns a descriptive error naming the offending field.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			e := errs[0]
			return fmt.Errorf("field %q failed validation rule %q", e.Namespace(), e.Tag())
		}
		return err
	}

	if cfg.Cache.PoolSize < bytesize.ByteSize(writelog.MinPoolSize) {
		return fmt.Errorf("cache.pool_size %s below minimum %s",
			cfg.Cache.PoolSize, bytesize.ByteSize(writelog.MinPoolSize))
	}
	if cfg.Cache.BlockSize%writelog.MinWriteAllocSize != 0 {
		return fmt.Errorf("cache.block_size %d must be a multiple of %d",
			cfg.Cache.BlockSize, writelog.MinWriteAllocSize)
	}
	if cfg.Cache.PersistOnFlush && cfg.Cache.PersistOnWriteUntilFlush != nil && *cfg.Cache.PersistOnWriteUntilFlush {
		return fmt.Errorf("cache.persist_on_flush and cache.persist_on_write_until_flush are mutually exclusive")
	}
	if cfg.Image.Size%bytesize.ByteSize(cfg.Cache.BlockSize) != 0 {
		return fmt.Errorf("image.size %s must be a multiple of cache.block_size %d",
			cfg.Image.Size, cfg.Cache.BlockSize)
	}

	switch cfg.Image.Backend {
	case "file", "badger":
		if cfg.Image.Path == "" {
			return fmt.Errorf("image.path is required for the %s backend", cfg.Image.Backend)
		}
	case "s3":
		if cfg.Image.S3.Bucket == "" {
			return fmt.Errorf("image.s3.bucket is required for the s3 backend")
		}
	}

	return nil
}
