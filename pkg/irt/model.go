package irt

import "math"

// ProbCorrect returns P(correct | theta) under the logistic response model:
//
//	P = c + (1-c) / (1 + exp(-a*(theta - b)))
//
// With the default c=0 this is the standard 2PL model.
func ProbCorrect(theta float64, item *Item) float64 {
	p := 1.0 / (1.0 + math.Exp(-item.Discrimination*(theta-item.Difficulty)))
	if item.Guessing > 0 {
		p = item.Guessing + (1.0-item.Guessing)*p
	}
	return p
}

// FisherInformation returns the information the item carries about ability
// at the given theta. For the 2PL model this is a^2 * P * (1-P); with a
// guessing parameter the 3PL form applies.
func FisherInformation(theta float64, item *Item) float64 {
	p := ProbCorrect(theta, item)
	a := item.Discrimination
	c := item.Guessing
	if c > 0 {
		if p <= 0 {
			return 0
		}
		q := (p - c) / (1 - c)
		return a * a * q * q * (1 - p) / p
	}
	return a * a * p * (1 - p)
}
