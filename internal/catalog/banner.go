package catalog

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/alextreichler/tradepost/internal/apperr"
	"github.com/alextreichler/tradepost/internal/identity"
	"github.com/alextreichler/tradepost/internal/models"
	"github.com/google/uuid"
	"github.com/nfnt/resize"
)

// maxBannerWidth caps stored banners; narrower images are kept as they are.
const maxBannerWidth = 1200

// SetStoreBanner decodes a PNG or JPEG upload, shrinks it to the banner
// width and stores it as the store's banner.
func (r *Registry) SetStoreBanner(ctx context.Context, p identity.Principal, storeID string, src io.Reader, filename string) (*models.Store, error) {
	st, err := r.ownedStore(ctx, p, storeID)
	if err != nil {
		return nil, err
	}

	var img image.Image
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		img, err = png.Decode(src)
	case ".jpg", ".jpeg":
		img, err = jpeg.Decode(src)
	default:
		return nil, apperr.InvalidArgument("unsupported image format, only PNG, JPG and JPEG are allowed")
	}
	if err != nil {
		return nil, apperr.InvalidArgument("failed to decode image")
	}

	if img.Bounds().Dx() > maxBannerWidth {
		img = resize.Resize(maxBannerWidth, 0, img, resize.Lanczos3)
	}

	name := fmt.Sprintf("%s.jpg", uuid.New().String())
	if err := os.MkdirAll(r.UploadDir, 0o755); err != nil {
		return nil, apperr.Internal(err, "failed to prepare upload directory")
	}
	out, err := os.Create(filepath.Join(r.UploadDir, name))
	if err != nil {
		return nil, apperr.Internal(err, "failed to save image")
	}
	defer out.Close()
	if err := jpeg.Encode(out, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, apperr.Internal(err, "failed to encode image")
	}

	st.BannerImage = r.BannerURLPrefix + name
	st.UpdatedAt = r.Now().UTC()
	if err := r.Stores.UpdateStore(ctx, st); err != nil {
		return nil, err
	}
	slog.Info("Store banner updated", "store_id", st.ID, "banner", st.BannerImage)
	return st, nil
}
