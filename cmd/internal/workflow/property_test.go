package workflow

import (
	"errors"
	"testing"

	"sigpad/cmd/internal/capture"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: AwaitingPhotos -> AwaitingSignature happens iff both sides have
// succeeded, whatever the order and however many failures interleave.
func TestPhotoJoinRequiresBothSides(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("advances iff front and back both succeeded", prop.ForAll(
		func(steps []int) bool {
			r := newRig(t)
			r.presentAndIdentify(t, ada.UID)

			var front, back bool
			for _, step := range steps {
				side := capture.Front
				if step%2 == 1 {
					side = capture.Back
				}
				fail := step >= 2

				var err error
				if fail {
					err = errors.New("upload failed")
				}
				r.srv.setUploadErr(side, err)
				r.w.UploadPhoto(side, photo)
				waitUploadSettled(t, r.w, side)

				if !fail {
					if side == capture.Front {
						front = true
					} else {
						back = true
					}
				}

				want := AwaitingPhotos
				if front && back {
					want = AwaitingSignature
				}
				if r.w.Status().State != want {
					return false
				}
				if want == AwaitingSignature {
					return true
				}
			}
			return r.w.Status().State == AwaitingPhotos
		},
		gen.SliceOf(gen.IntRange(0, 3)),
	))

	properties.TestingRun(t)
}
