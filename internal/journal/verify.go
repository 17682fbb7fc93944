package journal

import (
	"fmt"

	"localci/internal/security"
	"localci/pkg/utils"
)

// Verify recomputes each entry hash and link to detect tampering. Signed
// entries must carry a valid signature. With checkLogs, every referenced
// log file must still hash to the recorded value.
func (j *Journal) Verify(checkLogs bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for i, e := range j.entries {
		if e.Index != i {
			return fmt.Errorf("index mismatch: expected %d got %d", i, e.Index)
		}
		h, err := e.ComputeHash()
		if err != nil {
			return fmt.Errorf("compute hash for index %d: %w", e.Index, err)
		}
		if h != e.Hash {
			return fmt.Errorf("hash mismatch at index %d", e.Index)
		}
		if i > 0 && e.PrevHash != j.entries[i-1].Hash {
			return fmt.Errorf("prev hash mismatch at index %d", e.Index)
		}
		if e.Signature != "" {
			ok, err := security.VerifySignatureFromHex(e.PubKey, []byte(e.Hash), e.Signature)
			if err != nil {
				return fmt.Errorf("signature at index %d: %w", e.Index, err)
			}
			if !ok {
				return fmt.Errorf("invalid signature at index %d", e.Index)
			}
		}
		if checkLogs && e.LogPath != "" {
			sum, err := utils.HashFile(e.LogPath)
			if err != nil {
				return fmt.Errorf("log of index %d: %w", e.Index, err)
			}
			if sum != e.LogHash {
				return fmt.Errorf("log hash mismatch at index %d (%s)", e.Index, e.LogPath)
			}
		}
	}
	return nil
}
