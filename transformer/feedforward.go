package transformer

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"concept-bert/utils"
)

// FeedForward is the position-wise two-layer projection with a ReLU between.
type FeedForward struct {
	DModel, Dff               int
	HiddenWeights, HiddenBias *mat.Dense
	OutputWeights, OutputBias *mat.Dense

	// cache for backprop
	lastInput, hiddenPreAct, hiddenOutputs *mat.Dense
}

func NewFeedForward(dModel, dff int, rng *rand.Rand) *FeedForward {
	return &FeedForward{
		DModel:        dModel,
		Dff:           dff,
		HiddenWeights: mat.NewDense(dff, dModel, utils.RandomArray(dff*dModel, float64(dModel), rng)),
		HiddenBias:    mat.NewDense(dff, 1, nil),
		OutputWeights: mat.NewDense(dModel, dff, utils.RandomArray(dModel*dff, float64(dff), rng)),
		OutputBias:    mat.NewDense(dModel, 1, nil),
	}
}

func (ffn *FeedForward) Forward(X *mat.Dense) *mat.Dense {
	ffn.lastInput = X
	hiddenLin := utils.ToDense(utils.Dot(ffn.HiddenWeights, X)) // (dff x T)
	ffn.hiddenPreAct = utils.AddBias(hiddenLin, ffn.HiddenBias)
	ffn.hiddenOutputs = utils.Apply(utils.ReluApply, ffn.hiddenPreAct).(*mat.Dense)
	finalLin := utils.ToDense(utils.Dot(ffn.OutputWeights, ffn.hiddenOutputs)) // (d x T)
	return utils.AddBias(finalLin, ffn.OutputBias)
}

func (ffn *FeedForward) BackwardGradsOnly(grad *mat.Dense) (dX, dWhid, dbHidden, dWout, dbOut *mat.Dense) {
	dWout = utils.ToDense(utils.Dot(grad, ffn.hiddenOutputs.T()))
	// sum gradients over time for biases
	_, T := grad.Dims()
	dbOut = mat.NewDense(ffn.DModel, 1, nil)
	for i := 0; i < ffn.DModel; i++ {
		s := 0.0
		for t := 0; t < T; t++ {
			s += grad.At(i, t)
		}
		dbOut.Set(i, 0, s)
	}

	hiddenGradOut := utils.ToDense(utils.Dot(ffn.OutputWeights.T(), grad))
	hiddenErrors := utils.Multiply(hiddenGradOut, utils.ReluPrime(ffn.hiddenPreAct)).(*mat.Dense)

	dWhid = utils.ToDense(utils.Dot(hiddenErrors, ffn.lastInput.T()))
	dbHidden = mat.NewDense(ffn.Dff, 1, nil)
	for i := 0; i < ffn.Dff; i++ {
		s := 0.0
		for t := 0; t < T; t++ {
			s += hiddenErrors.At(i, t)
		}
		dbHidden.Set(i, 0, s)
	}

	dX = utils.ToDense(utils.Dot(ffn.HiddenWeights.T(), hiddenErrors))
	return dX, dWhid, dbHidden, dWout, dbOut
}
