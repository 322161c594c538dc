package healing

import (
	"golang.org/x/text/cases"

	"github.com/sells-group/ctxsync/internal/model"
)

// Catalog lists the known error classes in match order.
var Catalog = []model.ErrorClass{
	model.ClassMissingReference,
	model.ClassDuplicateDeclaration,
	model.ClassTypeConflict,
	model.ClassEnvironmentUnavailable,
	model.ClassUnclassified,
}

// Classify returns the first catalog class matched by any diagnostic code.
// Free-text diagnostics never match.
func Classify(diags []model.Diagnostic) model.ErrorClass {
	// Casers are stateful and not shared across goroutines.
	fold := cases.Fold()
	codes := make(map[string]struct{}, len(diags))
	for _, d := range diags {
		if d.Code == "" {
			continue
		}
		codes[fold.String(d.Code)] = struct{}{}
	}
	for _, class := range Catalog {
		if class == model.ClassUnclassified {
			break
		}
		if _, ok := codes[fold.String(string(class))]; ok {
			return class
		}
	}
	return model.ClassUnclassified
}
