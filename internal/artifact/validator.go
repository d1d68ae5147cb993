// Package artifact validates the artifact file against platform
// expectations before any network call is made.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ahmtydn/publish-store/internal/domain"
)

const mib = int64(1) << 20

// Hard ceilings enforced before upload, and stricter advisory ceilings
// used by the pre-flight pass. Sizes between the two tiers produce a
// warning so a dry run surfaces the problem before a real run fails.
var (
	hardCeiling = map[domain.Platform]int64{
		domain.AndroidStore: 200 * mib,
		domain.AppleStore:   250 * mib,
	}
	advisoryCeiling = map[domain.Platform]int64{
		domain.AndroidStore: 150 * mib,
		domain.AppleStore:   200 * mib,
	}
	requiredExtension = map[domain.Platform]string{
		domain.AndroidStore: ".aab",
		domain.AppleStore:   ".ipa",
	}
)

// Describe reads the artifact once and returns its descriptor. The
// checksum is always computed for observability even though it gates no
// decision.
func Describe(path string) (*domain.ArtifactDescriptor, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, domain.NewArtifact(domain.CodeArtifactNotFound, fmt.Sprintf("artifact not found at %s", path))
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, domain.NewArtifact(domain.CodeArtifactNotFound, fmt.Sprintf("artifact unreadable at %s: %v", path, err))
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return nil, domain.NewArtifact(domain.CodeArtifactNotFound, fmt.Sprintf("checksum artifact: %v", err))
	}

	return &domain.ArtifactDescriptor{
		BaseName:  filepath.Base(path),
		Extension: strings.ToLower(filepath.Ext(path)),
		Size:      info.Size(),
		Checksum:  hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

// Validate checks existence, extension, and the hard size ceiling for
// the target platform, returning the descriptor on success.
func Validate(path string, platform domain.Platform) (*domain.ArtifactDescriptor, error) {
	desc, err := Describe(path)
	if err != nil {
		return nil, err
	}

	if want := requiredExtension[platform]; desc.Extension != want {
		return nil, domain.NewArtifact(domain.CodeInvalidArtifactType,
			fmt.Sprintf("artifact %s has extension %q, %s requires %q", desc.BaseName, desc.Extension, platform, want))
	}

	if limit := hardCeiling[platform]; desc.Size > limit {
		return nil, domain.NewArtifact(domain.CodeArtifactTooLarge,
			fmt.Sprintf("artifact %s is %d bytes, exceeds %s limit of %d bytes", desc.BaseName, desc.Size, platform, limit))
	}

	return desc, nil
}

// AdvisoryWarning returns a non-empty warning when the artifact sits
// between the advisory and hard ceilings.
func AdvisoryWarning(desc *domain.ArtifactDescriptor, platform domain.Platform) string {
	advisory := advisoryCeiling[platform]
	if desc.Size <= advisory {
		return ""
	}
	return fmt.Sprintf("artifact %s is %d MiB, above the recommended %d MiB for %s; uploads this large may be slow or rejected",
		desc.BaseName, desc.Size/mib, advisory/mib, platform)
}
