package tenant

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/mmeshcher/receiptdraw/internal/model"
)

type seedFile struct {
	Tenants []seedTenant `yaml:"tenants"`
}

type seedTenant struct {
	ID           string                 `yaml:"id"`
	ShopName     string                 `yaml:"shop_name"`
	AccessToken  string                 `yaml:"access_token"`
	Active       *bool                  `yaml:"active"`
	ShopPatterns []string               `yaml:"shop_patterns"`
	Prizes       []model.Prize          `yaml:"prizes"`
	Messages     model.MessageTemplates `yaml:"messages"`
}

// LoadSeed читает YAML-файл с описанием арендаторов для первичного заполнения хранилища.
// Арендатор без поля active считается активным.
func LoadSeed(r io.Reader) ([]model.TenantRecord, error) {
	var f seedFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("decode seed: %w", err)
	}

	records := make([]model.TenantRecord, 0, len(f.Tenants))
	for i, t := range f.Tenants {
		if t.ID == "" {
			return nil, fmt.Errorf("seed tenant #%d: id is required", i+1)
		}

		cfg, err := EncodeSettings(model.TenantSettings{
			ShopPatterns: t.ShopPatterns,
			Prizes:       t.Prizes,
			Messages:     t.Messages,
		})
		if err != nil {
			return nil, fmt.Errorf("seed tenant %s: %w", t.ID, err)
		}

		active := true
		if t.Active != nil {
			active = *t.Active
		}

		records = append(records, model.TenantRecord{
			ID:          t.ID,
			ShopName:    t.ShopName,
			AccessToken: t.AccessToken,
			IsActive:    active,
			Config:      cfg,
		})
	}

	return records, nil
}
