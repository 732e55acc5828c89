package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"balungpisah/pkg/domain"
)

// CreateThread inserts a thread. ErrConflict is returned when the id is taken.
func (s *GormStore) CreateThread(ctx context.Context, thread domain.Thread) error {
	model := threadToModel(thread)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return fmt.Errorf("create thread: %w", err)
	}
	return nil
}

func (s *GormStore) GetThread(ctx context.Context, id string) (domain.Thread, bool, error) {
	var model ThreadModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if isNotFound(err) {
			return domain.Thread{}, false, nil
		}
		return domain.Thread{}, false, err
	}
	return threadFromModel(model), true, nil
}

func (s *GormStore) ListThreads(ctx context.Context, userID string, limit, offset int) ([]domain.Thread, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	var models []ThreadModel
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at desc").
		Limit(limit).
		Offset(offset).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Thread, 0, len(models))
	for _, m := range models {
		out = append(out, threadFromModel(m))
	}
	return out, nil
}

// AppendMessage assigns the next sequence number in the thread and stores the message.
func (s *GormStore) AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored, err := insertMessage(tx, msg)
		if err != nil {
			return err
		}
		msg = stored
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

func (s *GormStore) GetMessage(ctx context.Context, id string) (domain.Message, bool, error) {
	var model MessageModel
	db := s.db.WithContext(ctx)
	if err := db.First(&model, "id = ?", id).Error; err != nil {
		if isNotFound(err) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	msg := messageFromModel(model)
	blocks, err := loadBlocks(db, []string{msg.ID})
	if err != nil {
		return domain.Message{}, false, err
	}
	msg.Blocks = blocks[msg.ID]
	return msg, true, nil
}

func (s *GormStore) EditUserMessage(ctx context.Context, threadID, messageID string, content []domain.ContentPart) (domain.Message, error) {
	var out domain.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockThread(tx, threadID, time.Now().UTC()); err != nil {
			return err
		}
		var model MessageModel
		if err := tx.First(&model, "id = ?", messageID).Error; err != nil {
			if isNotFound(err) {
				return ErrNotFound
			}
			return err
		}
		if model.ThreadID != threadID {
			return ErrWrongThread
		}
		if model.Role != string(domain.RoleUserMessage) {
			return ErrNotUserTurn
		}
		msg := messageFromModel(model)
		msg.Content = content
		updated, err := messageToModel(msg)
		if err != nil {
			return err
		}
		if err := tx.Model(&MessageModel{}).Where("id = ?", messageID).
			Update("content", updated.Content).Error; err != nil {
			return fmt.Errorf("overwrite message: %w", err)
		}
		if _, err := deleteAfter(tx, threadID, model.Seq); err != nil {
			return err
		}
		out = msg
		return nil
	})
	return out, err
}

func (s *GormStore) TruncateAfter(ctx context.Context, threadID, messageID string) (int64, error) {
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model MessageModel
		if err := tx.First(&model, "id = ? AND thread_id = ?", messageID, threadID).Error; err != nil {
			if isNotFound(err) {
				return ErrNotFound
			}
			return err
		}
		n, err := deleteAfter(tx, threadID, model.Seq)
		removed = n
		return err
	})
	return removed, err
}

// PersistCompletedMessage writes an assistant message with all of its blocks in one transaction.
func (s *GormStore) PersistCompletedMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if err := checkCompleted(msg.Blocks); err != nil {
		return domain.Message{}, err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored, err := insertMessage(tx, msg)
		if err != nil {
			return err
		}
		if len(msg.Blocks) > 0 {
			models := make([]BlockModel, 0, len(msg.Blocks))
			for i := range msg.Blocks {
				b := msg.Blocks[i]
				if b.ID == "" {
					b.ID = uuid.NewString()
				}
				b.MessageID = stored.ID
				stored.Blocks = append(stored.Blocks, b)
				m, err := blockToModel(b)
				if err != nil {
					return err
				}
				models = append(models, m)
			}
			if err := tx.Create(&models).Error; err != nil {
				return fmt.Errorf("insert blocks: %w", err)
			}
		}
		msg = stored
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

func (s *GormStore) ListMessages(ctx context.Context, threadID string) ([]domain.Message, error) {
	db := s.db.WithContext(ctx)
	var models []MessageModel
	if err := db.Where("thread_id = ?", threadID).Order("seq asc").Find(&models).Error; err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	blocks, err := loadBlocks(db, ids)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Message, 0, len(models))
	for _, m := range models {
		msg := messageFromModel(m)
		msg.Blocks = blocks[msg.ID]
		out = append(out, msg)
	}
	return out, nil
}

// insertMessage takes the thread row lock before reading the tail, so concurrent
// writers to one thread queue up instead of racing for the same seq.
func insertMessage(tx *gorm.DB, msg domain.Message) (domain.Message, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if err := lockThread(tx, msg.ThreadID, msg.CreatedAt); err != nil {
		return domain.Message{}, err
	}
	var maxSeq int64
	if err := tx.Model(&MessageModel{}).
		Where("thread_id = ?", msg.ThreadID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&maxSeq).Error; err != nil {
		return domain.Message{}, fmt.Errorf("next seq: %w", err)
	}
	msg.Seq = maxSeq + 1
	model, err := messageToModel(msg)
	if err != nil {
		return domain.Message{}, err
	}
	if err := tx.Create(&model).Error; err != nil {
		if isDuplicate(err) {
			return domain.Message{}, ErrConflict
		}
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// lockThread bumps updated_at. The row lock it takes is held until the
// transaction ends and orders every writer of the thread.
func lockThread(tx *gorm.DB, threadID string, at time.Time) error {
	res := tx.Model(&ThreadModel{}).Where("id = ?", threadID).Update("updated_at", at)
	if res.Error != nil {
		return fmt.Errorf("lock thread: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func deleteAfter(tx *gorm.DB, threadID string, seq int64) (int64, error) {
	later := tx.Model(&MessageModel{}).Select("id").Where("thread_id = ? AND seq > ?", threadID, seq)
	if err := tx.Where("message_id IN (?)", later).Delete(&BlockModel{}).Error; err != nil {
		return 0, fmt.Errorf("delete later blocks: %w", err)
	}
	res := tx.Where("thread_id = ? AND seq > ?", threadID, seq).Delete(&MessageModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete later messages: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func loadBlocks(db *gorm.DB, messageIDs []string) (map[string][]domain.Block, error) {
	out := make(map[string][]domain.Block, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	var models []BlockModel
	if err := db.Where("message_id IN ?", messageIDs).Order("block_index asc").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("load blocks: %w", err)
	}
	for _, m := range models {
		out[m.MessageID] = append(out[m.MessageID], blockFromModel(m))
	}
	return out, nil
}

func checkCompleted(blocks []domain.Block) error {
	for _, b := range blocks {
		if !b.Completed {
			return fmt.Errorf("%w: block %d not completed", ErrInvalidBlock, b.Index)
		}
	}
	if err := domain.ValidateBlocks(blocks); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}
	return nil
}
