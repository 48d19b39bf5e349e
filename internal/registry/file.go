package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/smartbroker/internal/model"
)

// LoadQuestionsFromFile reads a question set from a JSON or YAML file. The
// format follows the file extension; anything other than .yaml/.yml is
// read as JSON. The set is validated before it is returned.
func LoadQuestionsFromFile(path string) ([]model.Question, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read questions file")
	}

	questions, err := ParseQuestions(data, filepath.Ext(path))
	if err != nil {
		return nil, eris.Wrapf(err, "registry: parse %s", path)
	}
	return questions, nil
}

// ParseQuestions decodes and validates a question set. ext selects the
// decoder (".yaml", ".yml" or anything else for JSON).
func ParseQuestions(data []byte, ext string) ([]model.Question, error) {
	var questions []model.Question
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &questions); err != nil {
			return nil, eris.Wrap(err, "registry: unmarshal yaml questions")
		}
	default:
		if err := json.Unmarshal(data, &questions); err != nil {
			return nil, eris.Wrap(err, "registry: unmarshal json questions")
		}
	}

	if err := model.ValidateQuestions(questions); err != nil {
		return nil, err
	}
	return questions, nil
}
