package packrat

import (
	"context"
	"encoding/json"

	"github.com/packrat/packrat/internal/debug"
	"github.com/packrat/packrat/internal/errors"
)

// LoadJSONUnpacked loads and decrypts an object and decodes it into item.
// Undecodable content is reported as ErrCorruptData.
func LoadJSONUnpacked(ctx context.Context, repo LoaderUnpacked, t FileType, id ID, item interface{}) error {
	buf, err := repo.LoadUnpacked(ctx, t, id)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(buf, item); err != nil {
		return errors.Wrapf(ErrCorruptData, "decoding %v %v: %v", t, id.Str(), err)
	}
	return nil
}

// SaveJSONUnpacked serializes item as JSON, then encrypts and stores it as
// an object of type t.
func SaveJSONUnpacked(ctx context.Context, repo SaverUnpacked, t FileType, item interface{}) (ID, error) {
	debug.Log("save new %v", t)
	plaintext, err := json.Marshal(item)
	if err != nil {
		return ID{}, errors.Wrap(err, "json.Marshal")
	}

	return repo.SaveUnpacked(ctx, t, plaintext)
}
