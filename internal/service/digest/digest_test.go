package digest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/sessionadmit/internal/domain"
)

func textMsg(role domain.MessageRole, text string) domain.Message {
	return domain.Message{Role: role, Content: []domain.ContentPart{{Kind: domain.ContentKindText, Text: text}}}
}

func TestCompute_SkipsSystemMessages(t *testing.T) {
	msgs := []domain.Message{
		textMsg(domain.RoleSystem, "you are a helpful assistant"),
		textMsg(domain.RoleUser, "hi"),
		textMsg(domain.RoleAssistant, "hello"),
	}
	d := Compute(msgs)
	require.Len(t, d, 18) // 2 non-system messages * 9 chars
	require.Equal(t, byte('-'), d[0])
	require.Equal(t, byte('_'), d[9])
}

func TestCompute_EqualMessagesProduceEqualDigests(t *testing.T) {
	msgs := []domain.Message{textMsg(domain.RoleUser, "same content")}
	require.Equal(t, Compute(msgs), Compute(msgs))
}

func TestCompute_EmptyMessageUsesPerIndexSalt(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleUser, Content: nil},
		{Role: domain.RoleUser, Content: nil},
	}
	d := Compute(msgs)
	require.Len(t, d, 18)
	require.NotEqual(t, d[1:9], d[10:18]) // distinct salts per index
}

func TestClassify_Create(t *testing.T) {
	tr, err := Classify("", "-abcdefgh_12345678")
	require.NoError(t, err)
	require.Equal(t, domain.TransitionCreate, tr)
}

func TestClassify_Refresh(t *testing.T) {
	d := "-abcdefgh_12345678"
	tr, err := Classify(d, d)
	require.NoError(t, err)
	require.Equal(t, domain.TransitionRefresh, tr)
}

// S5 Digest append legality.
func TestClassify_S5_AppendLegality(t *testing.T) {
	oldD := "-abcdefgh_12345678"
	newD := oldD + "-99999999"
	tr, err := Classify(oldD, newD)
	require.NoError(t, err)
	require.Equal(t, domain.TransitionAppend, tr)

	newD2 := oldD + "-99999999" + "_aaaaaaaa"
	_, err = Classify(oldD, newD2)
	require.ErrorIs(t, err, domain.ErrAppendViolation)
}

// S6 Digest branch legality.
func TestClassify_S6_BranchLegality(t *testing.T) {
	oldD := "-12345678_abcdefgh"
	newD := "-12345678_xxxxxxxx"
	tr, err := Classify(oldD, newD)
	require.NoError(t, err)
	require.Equal(t, domain.TransitionBranch, tr)

	oldD2 := "-12345678_abcdefgh-99999999"
	newD2 := "-12345678_abcdefgh-aaaaaaaa"
	_, err = Classify(oldD2, newD2)
	require.ErrorIs(t, err, domain.ErrBranchViolation)
}

func TestClassify_Rollback(t *testing.T) {
	oldD := "-12345678_abcdefgh-99999999"
	newD := "-12345678"
	tr, err := Classify(oldD, newD)
	require.NoError(t, err)
	require.Equal(t, domain.TransitionRollback, tr)
}

func TestClassify_RollbackViolation_NotEndingAtUserTurn(t *testing.T) {
	oldD := "-12345678_abcdefgh_99999999"
	newD := "-12345678_abcdefgh"
	_, err := Classify(oldD, newD)
	require.ErrorIs(t, err, domain.ErrRollbackViolation)
}

func TestClassify_ContentMismatch(t *testing.T) {
	oldD := "-12345678_abcdefgh"
	newD := "_99999999-aaaaaaaa"
	_, err := Classify(oldD, newD)
	require.ErrorIs(t, err, domain.ErrContentMismatch)
}
