package database

import (
	"context"
	"fmt"

	"github.com/gluk-w/sshdeck/internal/tree"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TreeRepository persists the tree store in the profiles and folders tables.
type TreeRepository struct {
	db *gorm.DB
}

func NewTreeRepository(db *gorm.DB) *TreeRepository {
	return &TreeRepository{db: db}
}

func (r *TreeRepository) Load(ctx context.Context) (tree.Snapshot, error) {
	var profiles []ProfileRecord
	if err := r.db.WithContext(ctx).Find(&profiles).Error; err != nil {
		return tree.Snapshot{}, fmt.Errorf("load profiles: %w", err)
	}
	var folders []FolderRecord
	if err := r.db.WithContext(ctx).Find(&folders).Error; err != nil {
		return tree.Snapshot{}, fmt.Errorf("load folders: %w", err)
	}

	snap := tree.Snapshot{
		Profiles: make([]tree.Profile, 0, len(profiles)),
		Folders:  make([]tree.Folder, 0, len(folders)),
	}
	for _, p := range profiles {
		snap.Profiles = append(snap.Profiles, profileFromRecord(p))
	}
	for _, f := range folders {
		snap.Folders = append(snap.Folders, folderFromRecord(f))
	}
	return snap, nil
}

// Apply writes a changeset in one transaction.
func (r *TreeRepository) Apply(ctx context.Context, c tree.Changeset) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(c.DeleteProfiles) > 0 {
			if err := tx.Where("id IN ?", c.DeleteProfiles).Delete(&ProfileRecord{}).Error; err != nil {
				return fmt.Errorf("delete profiles: %w", err)
			}
		}
		if len(c.DeleteFolders) > 0 {
			if err := tx.Where("id IN ?", c.DeleteFolders).Delete(&FolderRecord{}).Error; err != nil {
				return fmt.Errorf("delete folders: %w", err)
			}
		}
		if len(c.UpsertFolders) > 0 {
			rows := make([]FolderRecord, len(c.UpsertFolders))
			for i, f := range c.UpsertFolders {
				rows[i] = folderToRecord(f)
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(rows, 200).Error; err != nil {
				return fmt.Errorf("upsert folders: %w", err)
			}
		}
		if len(c.UpsertProfiles) > 0 {
			rows := make([]ProfileRecord, len(c.UpsertProfiles))
			for i, p := range c.UpsertProfiles {
				rows[i] = profileToRecord(p)
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(rows, 200).Error; err != nil {
				return fmt.Errorf("upsert profiles: %w", err)
			}
		}
		return nil
	})
}

func profileToRecord(p tree.Profile) ProfileRecord {
	return ProfileRecord{
		ID:          p.ID,
		Name:        p.Name,
		Host:        p.Host,
		Port:        p.Port,
		Username:    p.Username,
		Password:    p.Password,
		PrivateKey:  p.PrivateKey,
		Passphrase:  p.Passphrase,
		Encrypted:   p.Encrypted,
		FolderID:    p.FolderID,
		SortOrder:   p.Order,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func profileFromRecord(r ProfileRecord) tree.Profile {
	return tree.Profile{
		ID:          r.ID,
		Name:        r.Name,
		Host:        r.Host,
		Port:        r.Port,
		Username:    r.Username,
		Password:    r.Password,
		PrivateKey:  r.PrivateKey,
		Passphrase:  r.Passphrase,
		Encrypted:   r.Encrypted,
		FolderID:    r.FolderID,
		Order:       r.SortOrder,
		Description: r.Description,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func folderToRecord(f tree.Folder) FolderRecord {
	return FolderRecord{
		ID:        f.ID,
		Name:      f.Name,
		ParentID:  f.ParentID,
		SortOrder: f.Order,
		CreatedAt: f.CreatedAt,
		UpdatedAt: f.UpdatedAt,
	}
}

func folderFromRecord(r FolderRecord) tree.Folder {
	return tree.Folder{
		ID:        r.ID,
		Name:      r.Name,
		ParentID:  r.ParentID,
		Order:     r.SortOrder,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}
