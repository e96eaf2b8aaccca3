package tokens

import (
	"context"

	"vttsync/internal/rowstore"
	"vttsync/internal/tabletop"
)

// Directory looks up the character data projected onto tokens.
type Directory interface {
	Character(ctx context.Context, id string) (tabletop.Character, error)
}

// RowDirectory reads characters from the row store.
type RowDirectory struct {
	Reader rowstore.Reader
}

// Character fetches one character row.
func (d RowDirectory) Character(ctx context.Context, id string) (tabletop.Character, error) {
	row, err := d.Reader.Get(ctx, tabletop.TableCharacters, id)
	if err != nil {
		return tabletop.Character{}, err
	}
	var c tabletop.Character
	if err := row.Decode(&c); err != nil {
		return tabletop.Character{}, err
	}
	c.ID = row.ID
	return c, nil
}
