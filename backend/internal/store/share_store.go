package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ShareGrant collab share 记录下来的授权，(document_id, grantee) 唯一
type ShareGrant struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	DocumentID string    `gorm:"size:128;not null;uniqueIndex:uk_doc_grantee" json:"document_id"`
	Grantee    string    `gorm:"size:64;not null;uniqueIndex:uk_doc_grantee" json:"grantee"`
	GrantedBy  string    `gorm:"size:64;not null" json:"granted_by"`
	CreatedAt  time.Time `json:"created_at"`
}

func (ShareGrant) TableName() string { return "share_grants" }

type ShareStore struct {
	db *gorm.DB
}

func NewShareStore(db *gorm.DB) *ShareStore {
	return &ShareStore{db: db}
}

func (s *ShareStore) Migrate() error {
	return s.db.AutoMigrate(&ShareGrant{})
}

// Grant 重复授权不报错，也不覆盖最早的 granted_by
func (s *ShareStore) Grant(ctx context.Context, docID, grantee, grantedBy string) error {
	g := ShareGrant{DocumentID: docID, Grantee: grantee, GrantedBy: grantedBy}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&g).Error
}

func (s *ShareStore) Grants(ctx context.Context, docID string) ([]ShareGrant, error) {
	var out []ShareGrant
	err := s.db.WithContext(ctx).
		Where("document_id = ?", docID).
		Order("created_at").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
