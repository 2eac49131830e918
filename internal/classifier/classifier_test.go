package classifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalize_CollapsesWhitespaceAndTrims(t *testing.T) {
	got := Normalize("  Ищу   python \t\n разработчика  ")
	assert.Equal(t, "Ищу python разработчика", got)
}

func TestNormalize_StripsNullAndReplacementChars(t *testing.T) {
	got := Normalize("hello\x00world�!")
	assert.Equal(t, "helloworld!", got)
}

func TestBackoffDelay_ExponentialWithCap(t *testing.T) {
	base := time.Second
	assert.Equal(t, 2*time.Second, backoffDelay(base, 1))
	assert.Equal(t, 4*time.Second, backoffDelay(base, 2))
	assert.Equal(t, 60*time.Second, backoffDelay(time.Minute*10, 3))
}

func TestExtractJSONObjects_FullPayload(t *testing.T) {
	content := `[{"is_order":true,"category":"Backend","relevance":0.9,"reason":"ok"}]`
	objs := extractJSONObjects(content)
	assert.Len(t, objs, 1)
	assert.Equal(t, "Backend", *objs[0].Category)
}

func TestExtractJSONObjects_BalancedSubstringScan(t *testing.T) {
	content := "Sure, here you go:\n{\"is_order\": true, \"category\": \"Frontend\", \"relevance\": 0.7, \"reason\": \"matches\"}\nHope that helps!"
	objs := extractJSONObjects(content)
	assert.Len(t, objs, 1)
	assert.Equal(t, "Frontend", *objs[0].Category)
}

func TestValidateSchema_NormalizesOtherWhenNotOrder(t *testing.T) {
	f := false
	rel := 0.1
	empty := ""
	r, ok := validateSchema(rawClassification{IsOrder: &f, Category: &empty, Relevance: &rel})
	assert.True(t, ok)
	assert.Equal(t, "Other", string(r.Category))
}

func TestValidateSchema_RejectsOutOfRangeRelevance(t *testing.T) {
	tr := true
	cat := "Backend"
	rel := 1.5
	_, ok := validateSchema(rawClassification{IsOrder: &tr, Category: &cat, Relevance: &rel})
	assert.False(t, ok)
}

func TestValidateSchema_RejectsUnknownCategory(t *testing.T) {
	tr := true
	cat := "Blockchain"
	rel := 0.9
	_, ok := validateSchema(rawClassification{IsOrder: &tr, Category: &cat, Relevance: &rel})
	assert.False(t, ok)
}
