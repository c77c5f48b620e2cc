package domain

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Kind is an export type: modality x output format.
type Kind string

const (
	KindCTCSV       Kind = "ct-csv"
	KindCTXLSX      Kind = "ct-xlsx"
	KindFluoroCSV   Kind = "fl-csv"
	KindMammoCSV    Kind = "mg-csv"
	KindMammoNHSBSP Kind = "mg-nhsbsp"
)

type kindInfo struct {
	modality string
	ext      string
}

var kinds = map[Kind]kindInfo{
	KindCTCSV:       {modality: "CT", ext: "csv"},
	KindCTXLSX:      {modality: "CT", ext: "xlsx"},
	KindFluoroCSV:   {modality: "Fluoroscopy", ext: "csv"},
	KindMammoCSV:    {modality: "Mammography", ext: "csv"},
	KindMammoNHSBSP: {modality: "Mammography", ext: "csv"},
}

func Kinds() []Kind {
	return []Kind{KindCTCSV, KindCTXLSX, KindFluoroCSV, KindMammoCSV, KindMammoNHSBSP}
}

func ParseKind(v string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(v)))
	if _, ok := kinds[k]; !ok {
		return "", errors.Wrapf(ErrInvalidRequest, "unknown export kind %q", v)
	}
	return k, nil
}

func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

func (k Kind) Modality() string { return kinds[k].modality }

// Ext is the artifact file extension without the dot.
func (k Kind) Ext() string { return kinds[k].ext }

// ArtifactName is <kind>-<utc timestamp>-<job id>.<ext>.
func ArtifactName(j *Job, now time.Time) string {
	return fmt.Sprintf("%s-%s-%s.%s", j.Kind, now.UTC().Format("20060102-150405"), j.ID, j.Kind.Ext())
}

// ArtifactJobID recovers the job id from a name built by ArtifactName.
func ArtifactJobID(ref string) (string, bool) {
	base := strings.TrimSuffix(ref, filepath.Ext(ref))
	const idLen = 36
	if len(base) < idLen+1 || base[len(base)-idLen-1] != '-' {
		return "", false
	}
	id := base[len(base)-idLen:]
	if _, err := uuid.Parse(id); err != nil {
		return "", false
	}
	return id, true
}

// FilterParams is the opaque data selection bag handed to the transformation.
type FilterParams map[string]string

func (p FilterParams) Clone() FilterParams {
	if p == nil {
		return nil
	}
	out := make(FilterParams, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

type submission struct {
	Kind   string            `validate:"required"`
	Params map[string]string `validate:"max=64,dive,keys,min=1,max=64,printascii,endkeys,max=1024"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateSubmission parses kind and checks params bounds.
func ValidateSubmission(kind string, params map[string]string) (Kind, FilterParams, error) {
	if err := validate.Struct(submission{Kind: kind, Params: params}); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return "", nil, errors.Wrapf(ErrInvalidRequest, "field %s failed %q", fe.Namespace(), fe.Tag())
		}
		return "", nil, errors.Wrap(ErrInvalidRequest, err.Error())
	}
	k, err := ParseKind(kind)
	if err != nil {
		return "", nil, err
	}
	return k, FilterParams(params).Clone(), nil
}
