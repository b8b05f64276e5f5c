package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/m2tx/portfolio_lab/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func sampleHistory() []model.Content {
	return []model.Content{
		{Role: model.RoleUser, Parts: []model.Part{
			model.InlineDataPart{Data: []byte{0x89, 'P', 'N', 'G'}, MIMEType: "image/png"},
			model.TextPart{Text: "what's in this screenshot?"},
		}},
		{Role: model.RoleModel, Parts: []model.Part{
			model.TextPart{Text: "looking closely", Thought: true},
			model.TextPart{Text: "A dashboard."},
		}},
	}
}

func TestMemoryConversationRepository_RoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryConversationRepository()

	history, err := repo.Load(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, history)

	require.NoError(t, repo.Save(ctx, "s1", sampleHistory()))

	history, err = repo.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, sampleHistory(), history)

	require.NoError(t, repo.Delete(ctx, "s1"))
	require.NoError(t, repo.Delete(ctx, "s1"))

	history, err = repo.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, history)
}

func TestMemoryConversationRepository_IsolatesCallers(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryConversationRepository()

	saved := sampleHistory()
	require.NoError(t, repo.Save(ctx, "s1", saved))
	saved[0].Parts[1] = model.TextPart{Text: "mutated"}

	loaded, err := repo.Load(ctx, "s1")
	require.NoError(t, err)
	loaded[1].Parts[0] = model.TextPart{Text: "also mutated"}

	again, err := repo.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, sampleHistory(), again)
}

func TestMemoryConversationRepository_SaveReplaces(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryConversationRepository()

	require.NoError(t, repo.Save(ctx, "s1", sampleHistory()))
	require.NoError(t, repo.Save(ctx, "s1", []model.Content{model.NewTextContent(model.RoleUser, "fresh")}))

	history, err := repo.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []model.Content{model.NewTextContent(model.RoleUser, "fresh")}, history)
}

func TestMemoryConversationRepository_ConcurrentAppendsKeepEveryTurn(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryConversationRepository()

	const writers = 16
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := fmt.Sprintf("turn %d", i)
			assert.NoError(t, repo.Append(ctx, "s1",
				model.NewTextContent(model.RoleUser, msg),
				model.NewTextContent(model.RoleModel, "re: "+msg),
			))
		}()
	}
	wg.Wait()

	history, err := repo.Load(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, 2*writers)
	for i := 0; i < len(history); i += 2 {
		assert.Equal(t, model.RoleUser, history[i].Role)
		assert.Equal(t, model.RoleModel, history[i+1].Role, "each exchange stays contiguous")
	}
}

func TestMemoryConversationRepository_AppendCreatesSession(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryConversationRepository()

	require.NoError(t, repo.Append(ctx, "new", model.NewTextContent(model.RoleUser, "hi")))

	history, err := repo.Load(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, []model.Content{model.NewTextContent(model.RoleUser, "hi")}, history)
}

func TestDocuments_RoundTripThroughBSON(t *testing.T) {
	docs, err := toDocuments(sampleHistory())
	require.NoError(t, err)

	raw, err := bson.Marshal(conversationDocument{ID: "s1", History: docs})
	require.NoError(t, err)

	var decoded conversationDocument
	require.NoError(t, bson.Unmarshal(raw, &decoded))

	assert.Equal(t, "s1", decoded.ID)
	assert.Equal(t, sampleHistory(), fromDocuments(decoded.History))
}

func TestToDocuments_RejectsNilPart(t *testing.T) {
	_, err := toDocuments([]model.Content{{Role: model.RoleUser, Parts: []model.Part{nil}}})
	assert.Error(t, err)
}
