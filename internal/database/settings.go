package database

import (
	"errors"

	"gorm.io/gorm"
)

// Settings is a key/value table accessor.
type Settings struct {
	db *gorm.DB
}

func NewSettings(db *gorm.DB) *Settings {
	return &Settings{db: db}
}

// LookupSetting returns the value for key and whether it exists.
func (s *Settings) LookupSetting(key string) (string, bool, error) {
	var row Setting
	err := s.db.Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.Value, true, nil
}

func (s *Settings) SetSetting(key, value string) error {
	return s.db.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

func (s *Settings) DeleteSetting(key string) error {
	return s.db.Where("key = ?", key).Delete(&Setting{}).Error
}
