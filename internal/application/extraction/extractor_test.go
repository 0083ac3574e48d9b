package extraction

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-knowledge-assistant/internal/domain/entity"
	apperrors "ai-knowledge-assistant/pkg/errors"
)

func TestRegistry_Extract(t *testing.T) {
	r := NewRegistry()

	t.Run("纯文本原样返回", func(t *testing.T) {
		text, err := r.Extract(entity.SourceTypeText, strings.NewReader("hello 知识库"))
		require.NoError(t, err)
		assert.Equal(t, "hello 知识库", text)
	})

	t.Run("不支持的来源类型返回提取错误", func(t *testing.T) {
		_, err := r.Extract(entity.SourceType("epub"), strings.NewReader("data"))
		require.Error(t, err)
		appErr := apperrors.AsAppError(err)
		assert.Equal(t, apperrors.CodeExtractionFailed, appErr.Code)
	})

	t.Run("损坏的 PDF 返回提取错误", func(t *testing.T) {
		_, err := r.Extract(entity.SourceTypePDF, strings.NewReader("not a pdf"))
		require.Error(t, err)
		appErr := apperrors.AsAppError(err)
		assert.Equal(t, apperrors.CodeExtractionFailed, appErr.Code)
	})

	t.Run("注册表覆盖全部来源类型", func(t *testing.T) {
		supported := r.Supported()
		assert.ElementsMatch(t, []entity.SourceType{
			entity.SourceTypeText,
			entity.SourceTypePDF,
			entity.SourceTypeDocx,
			entity.SourceTypeXlsx,
		}, supported)
	})
}
